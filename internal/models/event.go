package models

import "time"

// EventType identifies the UPS event variant.
type EventType string

const (
	EventStateReport     EventType = "StateReport"
	EventProgressReport  EventType = "ProgressReport"
	EventCancelRequested EventType = "CancelRequested"
	EventAssigned        EventType = "Assigned"
	EventCompleted       EventType = "Completed"
	EventCanceled        EventType = "Canceled"
)

// Event is a UPS notification. Variant-specific fields are populated
// according to Type; events are passed by value through the queue.
type Event struct {
	Type           EventType
	WorkitemUID    string
	TransactionUID string

	// StateReport
	PreviousState WorkitemState
	NewState      WorkitemState

	// ProgressReport
	Progress *ProgressInformation

	// CancelRequested, Canceled
	Reason string

	// Assigned
	Performer *HumanPerformer

	Timestamp time.Time
}

// NewStateReport builds a StateReport event.
func NewStateReport(workitemUID, transactionUID string, prev, next WorkitemState) Event {
	return Event{
		Type:           EventStateReport,
		WorkitemUID:    workitemUID,
		TransactionUID: transactionUID,
		PreviousState:  prev,
		NewState:       next,
		Timestamp:      time.Now().UTC(),
	}
}

// NewProgressReport builds a ProgressReport event.
func NewProgressReport(workitemUID, transactionUID string, p ProgressInformation) Event {
	return Event{
		Type:           EventProgressReport,
		WorkitemUID:    workitemUID,
		TransactionUID: transactionUID,
		Progress:       &p,
		Timestamp:      time.Now().UTC(),
	}
}

// NewCancelRequested builds a CancelRequested event.
func NewCancelRequested(workitemUID, reason string) Event {
	return Event{
		Type:        EventCancelRequested,
		WorkitemUID: workitemUID,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}
}

// NewAssigned builds an Assigned event.
func NewAssigned(workitemUID, transactionUID string, performer HumanPerformer) Event {
	return Event{
		Type:           EventAssigned,
		WorkitemUID:    workitemUID,
		TransactionUID: transactionUID,
		Performer:      &performer,
		Timestamp:      time.Now().UTC(),
	}
}

// NewCompleted builds a Completed event.
func NewCompleted(workitemUID, transactionUID string) Event {
	return Event{
		Type:           EventCompleted,
		WorkitemUID:    workitemUID,
		TransactionUID: transactionUID,
		Timestamp:      time.Now().UTC(),
	}
}

// NewCanceled builds a Canceled event.
func NewCanceled(workitemUID, reason string) Event {
	return Event{
		Type:        EventCanceled,
		WorkitemUID: workitemUID,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}
}
