package ups

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dicomkit/dicomweb-server/internal/dicomjson"
	"github.com/dicomkit/dicomweb-server/internal/events"
	"github.com/dicomkit/dicomweb-server/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WorkitemRow is the gorm model backing UPS workitems. The full workitem is
// kept as its DICOM+JSON payload; the filterable fields are mirrored into
// indexed columns.
type WorkitemRow struct {
	ID             uint   `gorm:"primaryKey"`
	WorkitemUID    string `gorm:"type:varchar(64);not null;uniqueIndex"`
	State          string `gorm:"type:varchar(16);not null;index"`
	Priority       string `gorm:"type:varchar(8);index"`
	TransactionUID string `gorm:"type:varchar(64)"`
	PatientID      string `gorm:"type:varchar(64);index"`
	Label          string `gorm:"type:varchar(64)"`
	Payload        string `gorm:"type:text;not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName overrides the table name
func (WorkitemRow) TableName() string {
	return "ups_workitems"
}

// PostgresProvider implements Provider on top of postgres via gorm.
// Transitions run in serializable row-locked transactions.
type PostgresProvider struct {
	db   *gorm.DB
	subs *events.SubscriptionManager

	mu         sync.Mutex
	dispatcher *events.Dispatcher
}

// NewPostgresProvider migrates the schema and returns the provider.
func NewPostgresProvider(db *gorm.DB, subs *events.SubscriptionManager) (*PostgresProvider, error) {
	if err := db.AutoMigrate(&WorkitemRow{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &PostgresProvider{db: db, subs: subs}, nil
}

// SetEventDispatcher wires the dispatcher mutations publish through.
func (p *PostgresProvider) SetEventDispatcher(d *events.Dispatcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatcher = d
}

func (p *PostgresProvider) publish(ev models.Event) {
	p.mu.Lock()
	d := p.dispatcher
	p.mu.Unlock()
	if d != nil {
		d.Publish(ev)
	}
}

func rowFromWorkitem(w *models.Workitem) (*WorkitemRow, error) {
	payload, err := json.Marshal(w.ToDataset())
	if err != nil {
		return nil, fmt.Errorf("failed to encode workitem: %w", err)
	}
	return &WorkitemRow{
		WorkitemUID:    w.WorkitemUID,
		State:          string(w.State),
		Priority:       string(w.Priority),
		TransactionUID: w.TransactionUID,
		PatientID:      w.PatientID,
		Label:          w.ProcedureStepLabel,
		Payload:        string(payload),
	}, nil
}

func (r *WorkitemRow) toWorkitem() (*models.Workitem, error) {
	var d dicomjson.Dataset
	if err := json.Unmarshal([]byte(r.Payload), &d); err != nil {
		return nil, fmt.Errorf("failed to decode workitem: %w", err)
	}
	w := models.WorkitemFromDataset(d)
	w.State = models.WorkitemState(r.State)
	w.TransactionUID = r.TransactionUID
	return w, nil
}

// CreateWorkitem stores a new workitem; the state must be SCHEDULED.
func (p *PostgresProvider) CreateWorkitem(ctx context.Context, w *models.Workitem) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if w.State != models.StateScheduled {
		return fmt.Errorf("%w: workitems are created SCHEDULED, got %q", ErrInvalidTransition, w.State)
	}
	if w.Priority == "" {
		w.Priority = models.PriorityMedium
	}
	row, err := rowFromWorkitem(w)
	if err != nil {
		return err
	}
	err = p.db.WithContext(ctx).Create(row).Error
	if err != nil && strings.Contains(err.Error(), "duplicate") {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create workitem: %w", err)
	}
	return nil
}

// GetWorkitem retrieves a workitem by UID.
func (p *PostgresProvider) GetWorkitem(ctx context.Context, workitemUID string) (*models.Workitem, error) {
	var row WorkitemRow
	err := p.db.WithContext(ctx).Where("workitem_uid = ?", workitemUID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workitem: %w", err)
	}
	return row.toWorkitem()
}

func (p *PostgresProvider) lockRow(tx *gorm.DB, workitemUID string) (*WorkitemRow, error) {
	var row WorkitemRow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("workitem_uid = ?", workitemUID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock workitem: %w", err)
	}
	return &row, nil
}

func (p *PostgresProvider) saveWorkitem(tx *gorm.DB, id uint, w *models.Workitem) error {
	row, err := rowFromWorkitem(w)
	if err != nil {
		return err
	}
	row.ID = id
	if err := tx.Save(row).Error; err != nil {
		return fmt.Errorf("failed to save workitem: %w", err)
	}
	return nil
}

// UpdateWorkitem replaces the mutable attributes of a workitem under the
// same rules as the in-memory provider.
func (p *PostgresProvider) UpdateWorkitem(ctx context.Context, workitemUID, transactionUID string, update *models.Workitem) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := p.lockRow(tx, workitemUID)
		if err != nil {
			return err
		}
		w, err := row.toWorkitem()
		if err != nil {
			return err
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
		return p.saveWorkitem(tx, row.ID, updated)
	})
}

// ChangeWorkitemState performs the transition in one row-locked transaction
// and publishes the resulting events before returning.
func (p *PostgresProvider) ChangeWorkitemState(ctx context.Context, workitemUID string, newState models.WorkitemState, transactionUID string) (*models.Workitem, error) {
	if !newState.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", models.ErrInvalidField, newState)
	}
	var result *models.Workitem
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := p.lockRow(tx, workitemUID)
		if err != nil {
			return err
		}
		w, err := row.toWorkitem()
		if err != nil {
			return err
		}
		if !w.State.CanTransitionTo(newState) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.State, newState)
		}
		prev := w.State
		switch newState {
		case models.StateInProgress:
			w.TransactionUID = models.NewUID()
		default:
			if prev == models.StateInProgress && transactionUID != w.TransactionUID {
				return ErrWrongTransactionUID
			}
		}
		w.State = newState
		if err := p.saveWorkitem(tx, row.ID, w); err != nil {
			return err
		}
		p.publish(models.NewStateReport(w.WorkitemUID, w.TransactionUID, prev, newState))
		switch newState {
		case models.StateInProgress:
			if len(w.ScheduledPerformers) > 0 {
				p.publish(models.NewAssigned(w.WorkitemUID, w.TransactionUID, w.ScheduledPerformers[0]))
			}
		case models.StateCompleted:
			p.publish(models.NewCompleted(w.WorkitemUID, w.TransactionUID))
		case models.StateCanceled:
			p.publish(models.NewCanceled(w.WorkitemUID, w.CancellationReason))
		}
		result = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateProgress records progress on an IN PROGRESS workitem.
func (p *PostgresProvider) UpdateProgress(ctx context.Context, workitemUID, transactionUID string, progress models.ProgressInformation) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := p.lockRow(tx, workitemUID)
		if err != nil {
			return err
		}
		w, err := row.toWorkitem()
		if err != nil {
			return err
		}
		if w.State != models.StateInProgress {
			return fmt.Errorf("%w: progress requires IN PROGRESS, workitem is %s", ErrInvalidTransition, w.State)
		}
		if transactionUID != w.TransactionUID {
			return ErrWrongTransactionUID
		}
		pr := progress
		w.Progress = &pr
		if err := p.saveWorkitem(tx, row.ID, w); err != nil {
			return err
		}
		p.publish(models.NewProgressReport(w.WorkitemUID, w.TransactionUID, progress))
		return nil
	})
}

// RequestCancellation mirrors the in-memory provider's semantics.
func (p *PostgresProvider) RequestCancellation(ctx context.Context, workitemUID, reason string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := p.lockRow(tx, workitemUID)
		if err != nil {
			return err
		}
		w, err := row.toWorkitem()
		if err != nil {
			return err
		}
		switch w.State {
		case models.StateScheduled:
			prev := w.State
			w.State = models.StateCanceled
			w.CancellationReason = reason
			if err := p.saveWorkitem(tx, row.ID, w); err != nil {
				return err
			}
			p.publish(models.NewStateReport(w.WorkitemUID, w.TransactionUID, prev, models.StateCanceled))
			p.publish(models.NewCanceled(w.WorkitemUID, reason))
			return nil
		case models.StateInProgress:
			p.publish(models.NewCancelRequested(w.WorkitemUID, reason))
			return nil
		}
		return fmt.Errorf("%w: workitem is %s", ErrInvalidTransition, w.State)
	})
}

// DeleteWorkitem removes a workitem unless it is deletion-locked.
func (p *PostgresProvider) DeleteWorkitem(ctx context.Context, workitemUID string) error {
	if p.subs != nil && p.subs.HasDeleteLock(workitemUID) {
		return ErrDeletionLocked
	}
	res := p.db.WithContext(ctx).Where("workitem_uid = ?", workitemUID).Delete(&WorkitemRow{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete workitem: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchWorkitems lists workitems matching the filter, ordered by UID.
func (p *PostgresProvider) SearchWorkitems(ctx context.Context, f SearchFilter) ([]*models.Workitem, error) {
	tx := p.db.WithContext(ctx).Model(&WorkitemRow{})
	if f.State != "" {
		tx = tx.Where("state = ?", string(f.State))
	}
	if f.Priority != "" {
		tx = tx.Where("priority = ?", string(f.Priority))
	}
	if f.PatientID != "" {
		tx = tx.Where("patient_id = ?", f.PatientID)
	}
	if f.Label != "" {
		tx = tx.Where("LOWER(label) = LOWER(?)", f.Label)
	}
	if f.Offset > 0 {
		tx = tx.Offset(f.Offset)
	}
	if f.Limit > 0 {
		tx = tx.Limit(f.Limit)
	}
	var rows []WorkitemRow
	if err := tx.Order("workitem_uid").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to search workitems: %w", err)
	}
	out := make([]*models.Workitem, 0, len(rows))
	for i := range rows {
		w, err := rows[i].toWorkitem()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}
