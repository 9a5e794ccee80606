package events

import (
	"sync"

	"github.com/dicomkit/dicomweb-server/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DeliveryService transports a delivered event to one subscriber.
type DeliveryService interface {
	Start() error
	Stop() error
	DeliverEvent(ev models.Event, sub *models.Subscription) error
}

// LogDeliveryService logs each delivery; it stands in for a DIMSE N-EVENT-REPORT
// transport.
type LogDeliveryService struct {
	log zerolog.Logger
}

// NewLogDeliveryService creates the logging delivery service.
func NewLogDeliveryService() *LogDeliveryService {
	return &LogDeliveryService{log: log.Logger}
}

// Start is a no-op.
func (s *LogDeliveryService) Start() error { return nil }

// Stop is a no-op.
func (s *LogDeliveryService) Stop() error { return nil }

// DeliverEvent logs the event and subscriber.
func (s *LogDeliveryService) DeliverEvent(ev models.Event, sub *models.Subscription) error {
	s.log.Info().
		Str("event_type", string(ev.Type)).
		Str("workitem_uid", ev.WorkitemUID).
		Str("ae_title", sub.AETitle).
		Msg("Event delivered")
	return nil
}

// DeliveredEvent is one recorded delivery.
type DeliveredEvent struct {
	Event        models.Event
	Subscription *models.Subscription
}

// RecordingDeliveryService records every delivered pair; the reference
// implementation used by tests.
type RecordingDeliveryService struct {
	mu        sync.Mutex
	delivered []DeliveredEvent
	notify    chan struct{}
}

// NewRecordingDeliveryService creates the recording delivery service.
func NewRecordingDeliveryService() *RecordingDeliveryService {
	return &RecordingDeliveryService{notify: make(chan struct{}, 64)}
}

// Start is a no-op.
func (s *RecordingDeliveryService) Start() error { return nil }

// Stop is a no-op.
func (s *RecordingDeliveryService) Stop() error { return nil }

// DeliverEvent records the pair.
func (s *RecordingDeliveryService) DeliverEvent(ev models.Event, sub *models.Subscription) error {
	s.mu.Lock()
	s.delivered = append(s.delivered, DeliveredEvent{Event: ev, Subscription: sub.Clone()})
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Delivered returns a snapshot of recorded deliveries.
func (s *RecordingDeliveryService) Delivered() []DeliveredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeliveredEvent(nil), s.delivered...)
}

// Notify exposes a channel signaled on each delivery, for test waits.
func (s *RecordingDeliveryService) Notify() <-chan struct{} {
	return s.notify
}
