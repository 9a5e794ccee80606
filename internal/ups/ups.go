// Package ups implements the Unified Procedure Step storage contract: the
// workitem state machine, transaction-UID locking and event emission.
package ups

import (
	"context"
	"errors"

	"github.com/dicomkit/dicomweb-server/internal/events"
	"github.com/dicomkit/dicomweb-server/internal/models"
)

var (
	// ErrNotFound is returned when the addressed workitem does not exist.
	ErrNotFound = errors.New("ups: workitem not found")
	// ErrDuplicate is returned on create when the UID is taken.
	ErrDuplicate = errors.New("ups: workitem already exists")
	// ErrInvalidTransition is returned for transitions the state machine forbids.
	ErrInvalidTransition = errors.New("ups: illegal state transition")
	// ErrWrongTransactionUID is returned when the presented transaction UID
	// does not match the workitem's lock.
	ErrWrongTransactionUID = errors.New("ups: transaction UID mismatch")
	// ErrDeletionLocked is returned when a subscriber holds a deletion lock.
	ErrDeletionLocked = errors.New("ups: workitem is deletion-locked")
)

// SearchFilter carries UPS-RS search criteria.
type SearchFilter struct {
	State     models.WorkitemState
	Priority  models.WorkitemPriority
	PatientID string
	Label     string
	Offset    int
	Limit     int
}

// Provider persists workitems and owns their atomic state transitions.
// Mutations emit events through the configured dispatcher before they
// return success.
type Provider interface {
	CreateWorkitem(ctx context.Context, w *models.Workitem) error
	GetWorkitem(ctx context.Context, workitemUID string) (*models.Workitem, error)
	UpdateWorkitem(ctx context.Context, workitemUID, transactionUID string, update *models.Workitem) error
	// ChangeWorkitemState performs a legal transition and returns the updated
	// workitem. Entering IN PROGRESS mints a fresh transaction UID; leaving it
	// requires the current one.
	ChangeWorkitemState(ctx context.Context, workitemUID string, newState models.WorkitemState, transactionUID string) (*models.Workitem, error)
	UpdateProgress(ctx context.Context, workitemUID, transactionUID string, progress models.ProgressInformation) error
	// RequestCancellation cancels a SCHEDULED workitem outright and asks
	// subscribers to cancel an IN PROGRESS one.
	RequestCancellation(ctx context.Context, workitemUID, reason string) error
	DeleteWorkitem(ctx context.Context, workitemUID string) error
	SearchWorkitems(ctx context.Context, f SearchFilter) ([]*models.Workitem, error)
	SetEventDispatcher(d *events.Dispatcher)
}
