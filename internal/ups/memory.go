package ups

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dicomkit/dicomweb-server/internal/events"
	"github.com/dicomkit/dicomweb-server/internal/models"
)

// MemoryProvider is the in-memory reference implementation of Provider.
// A single mutex serializes all mutations, which makes each state change
// (transition check, transaction UID comparison, update, event enqueue) one
// critical section.
type MemoryProvider struct {
	mu         sync.Mutex
	workitems  map[string]*models.Workitem
	subs       *events.SubscriptionManager
	dispatcher *events.Dispatcher
}

// NewMemoryProvider creates an empty provider. The subscription manager is
// consulted for deletion locks.
func NewMemoryProvider(subs *events.SubscriptionManager) *MemoryProvider {
	return &MemoryProvider{
		workitems: make(map[string]*models.Workitem),
		subs:      subs,
	}
}

// SetEventDispatcher wires the dispatcher mutations publish through.
func (m *MemoryProvider) SetEventDispatcher(d *events.Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher = d
}

func (m *MemoryProvider) publish(ev models.Event) {
	if m.dispatcher != nil {
		m.dispatcher.Publish(ev)
	}
}

// CreateWorkitem stores a new workitem; the state must be SCHEDULED.
func (m *MemoryProvider) CreateWorkitem(ctx context.Context, w *models.Workitem) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if w.State != models.StateScheduled {
		return fmt.Errorf("%w: workitems are created SCHEDULED, got %q", ErrInvalidTransition, w.State)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workitems[w.WorkitemUID]; exists {
		return ErrDuplicate
	}
	if w.Priority == "" {
		w.Priority = models.PriorityMedium
	}
	m.workitems[w.WorkitemUID] = w.Clone()
	return nil
}

// GetWorkitem retrieves a workitem by UID.
func (m *MemoryProvider) GetWorkitem(ctx context.Context, workitemUID string) (*models.Workitem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workitems[workitemUID]
	if !ok {
		return nil, ErrNotFound
	}
	return w.Clone(), nil
}

// UpdateWorkitem replaces the mutable attributes of a workitem. Allowed for
// SCHEDULED workitems, or for IN PROGRESS ones when the caller presents the
// correct transaction UID. UID and state are not updatable here.
func (m *MemoryProvider) UpdateWorkitem(ctx context.Context, workitemUID, transactionUID string, update *models.Workitem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workitems[workitemUID]
	if !ok {
		return ErrNotFound
	}
	switch w.State {
	case models.StateScheduled:
	case models.StateInProgress:
		if transactionUID != w.TransactionUID {
			return ErrWrongTransactionUID
		}
	default:
		return fmt.Errorf("%w: workitem is %s", ErrInvalidTransition, w.State)
	}

	updated := update.Clone()
	updated.WorkitemUID = w.WorkitemUID
	updated.State = w.State
	updated.TransactionUID = w.TransactionUID
	if updated.Priority == "" {
		updated.Priority = w.Priority
	}
	if err := updated.Validate(); err != nil {
		return err
	}
	m.workitems[workitemUID] = updated
	return nil
}

// ChangeWorkitemState performs the transition atomically and publishes the
// resulting events before returning.
func (m *MemoryProvider) ChangeWorkitemState(ctx context.Context, workitemUID string, newState models.WorkitemState, transactionUID string) (*models.Workitem, error) {
	if !newState.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", models.ErrInvalidField, newState)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workitems[workitemUID]
	if !ok {
		return nil, ErrNotFound
	}
	if !w.State.CanTransitionTo(newState) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.State, newState)
	}

	prev := w.State
	switch newState {
	case models.StateInProgress:
		// The server owns the lock token for the IN PROGRESS phase.
		w.TransactionUID = models.NewUID()
	default:
		if prev == models.StateInProgress && transactionUID != w.TransactionUID {
			return nil, ErrWrongTransactionUID
		}
	}
	w.State = newState

	m.publish(models.NewStateReport(w.WorkitemUID, w.TransactionUID, prev, newState))
	switch newState {
	case models.StateInProgress:
		if len(w.ScheduledPerformers) > 0 {
			m.publish(models.NewAssigned(w.WorkitemUID, w.TransactionUID, w.ScheduledPerformers[0]))
		}
	case models.StateCompleted:
		m.publish(models.NewCompleted(w.WorkitemUID, w.TransactionUID))
	case models.StateCanceled:
		m.publish(models.NewCanceled(w.WorkitemUID, w.CancellationReason))
	}
	return w.Clone(), nil
}

// UpdateProgress records progress on an IN PROGRESS workitem and publishes a
// ProgressReport.
func (m *MemoryProvider) UpdateProgress(ctx context.Context, workitemUID, transactionUID string, progress models.ProgressInformation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workitems[workitemUID]
	if !ok {
		return ErrNotFound
	}
	if w.State != models.StateInProgress {
		return fmt.Errorf("%w: progress requires IN PROGRESS, workitem is %s", ErrInvalidTransition, w.State)
	}
	if transactionUID != w.TransactionUID {
		return ErrWrongTransactionUID
	}
	p := progress
	w.Progress = &p
	m.publish(models.NewProgressReport(w.WorkitemUID, w.TransactionUID, progress))
	return nil
}

// RequestCancellation cancels SCHEDULED workitems immediately; for IN
// PROGRESS ones it publishes a CancelRequested event for the performer to
// honor. Terminal states are a conflict.
func (m *MemoryProvider) RequestCancellation(ctx context.Context, workitemUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workitems[workitemUID]
	if !ok {
		return ErrNotFound
	}
	switch w.State {
	case models.StateScheduled:
		prev := w.State
		w.State = models.StateCanceled
		w.CancellationReason = reason
		m.publish(models.NewStateReport(w.WorkitemUID, w.TransactionUID, prev, models.StateCanceled))
		m.publish(models.NewCanceled(w.WorkitemUID, reason))
		return nil
	case models.StateInProgress:
		m.publish(models.NewCancelRequested(w.WorkitemUID, reason))
		return nil
	}
	return fmt.Errorf("%w: workitem is %s", ErrInvalidTransition, w.State)
}

// DeleteWorkitem removes a workitem unless a subscriber holds a deletion
// lock covering it.
func (m *MemoryProvider) DeleteWorkitem(ctx context.Context, workitemUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workitems[workitemUID]; !ok {
		return ErrNotFound
	}
	if m.subs != nil && m.subs.HasDeleteLock(workitemUID) {
		return ErrDeletionLocked
	}
	delete(m.workitems, workitemUID)
	return nil
}

// SearchWorkitems lists workitems matching the filter, ordered by UID.
func (m *MemoryProvider) SearchWorkitems(ctx context.Context, f SearchFilter) ([]*models.Workitem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uids := make([]string, 0, len(m.workitems))
	for uid := range m.workitems {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	var results []*models.Workitem
	for _, uid := range uids {
		w := m.workitems[uid]
		if f.State != "" && w.State != f.State {
			continue
		}
		if f.Priority != "" && w.Priority != f.Priority {
			continue
		}
		if f.PatientID != "" && w.PatientID != f.PatientID {
			continue
		}
		if f.Label != "" && !strings.EqualFold(w.ProcedureStepLabel, f.Label) {
			continue
		}
		results = append(results, w.Clone())
	}
	if f.Offset > 0 {
		if f.Offset >= len(results) {
			return nil, nil
		}
		results = results[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(results) {
		results = results[:f.Limit]
	}
	return results, nil
}
