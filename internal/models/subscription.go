package models

import "time"

// Subscription records an AE title's interest in UPS events for one workitem
// or, when WorkitemUID is empty, for all workitems.
type Subscription struct {
	AETitle      string
	WorkitemUID  string // empty means global
	DeletionLock bool
	EventTypes   []EventType // empty means all types
	Suspended    bool
	CreatedAt    time.Time
}

// Global reports whether the subscription covers all workitems.
func (s *Subscription) Global() bool {
	return s.WorkitemUID == ""
}

// InterestedIn applies the interest predicate: not suspended, matching
// workitem (or global), and matching event type filter (or none).
func (s *Subscription) InterestedIn(ev Event) bool {
	if s.Suspended {
		return false
	}
	if !s.Global() && s.WorkitemUID != ev.WorkitemUID {
		return false
	}
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, t := range s.EventTypes {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// Clone returns a copy safe to hand to the event queue.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.EventTypes = append([]EventType(nil), s.EventTypes...)
	return &c
}
