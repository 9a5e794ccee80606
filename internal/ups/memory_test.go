package ups_test

import (
	"context"
	"testing"
	"time"

	"github.com/dicomkit/dicomweb-server/internal/events"
	"github.com/dicomkit/dicomweb-server/internal/models"
	"github.com/dicomkit/dicomweb-server/internal/ups"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	provider   *ups.MemoryProvider
	subs       *events.SubscriptionManager
	dispatcher *events.Dispatcher
	delivered  *events.RecordingDeliveryService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	subs := events.NewSubscriptionManager()
	rec := events.NewRecordingDeliveryService()
	d := events.NewDispatcher(subs, rec, 100)
	d.Start()
	t.Cleanup(d.Stop)

	p := ups.NewMemoryProvider(subs)
	p.SetEventDispatcher(d)
	return &fixture{provider: p, subs: subs, dispatcher: d, delivered: rec}
}

func scheduled(uid string) *models.Workitem {
	return &models.Workitem{
		WorkitemUID:        uid,
		State:              models.StateScheduled,
		Priority:           models.PriorityMedium,
		PatientID:          "PID-1",
		ProcedureStepLabel: "CT CHEST",
	}
}

func (f *fixture) waitDeliveries(t *testing.T, n int) []events.DeliveredEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		got := f.delivered.Delivered()
		if len(got) >= n {
			return got
		}
		select {
		case <-f.delivered.Notify():
		case <-deadline:
			t.Fatalf("expected %d deliveries, got %d", n, len(f.delivered.Delivered()))
		}
	}
}

func TestCreateAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.provider.CreateWorkitem(ctx, scheduled("1.2.3")))

	w, err := f.provider.GetWorkitem(ctx, "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, models.StateScheduled, w.State)

	assert.ErrorIs(t, f.provider.CreateWorkitem(ctx, scheduled("1.2.3")), ups.ErrDuplicate)

	_, err = f.provider.GetWorkitem(ctx, "9.9")
	assert.ErrorIs(t, err, ups.ErrNotFound)
}

func TestCreateRequiresScheduled(t *testing.T) {
	f := newFixture(t)
	w := scheduled("1.2.3")
	w.State = models.StateInProgress
	w.TransactionUID = "2.25.1"
	assert.ErrorIs(t, f.provider.CreateWorkitem(context.Background(), w), ups.ErrInvalidTransition)
}

func TestClaimMintsTransactionUID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.provider.CreateWorkitem(ctx, scheduled("1.2.3")))

	w, err := f.provider.ChangeWorkitemState(ctx, "1.2.3", models.StateInProgress, "")
	require.NoError(t, err)
	assert.Equal(t, models.StateInProgress, w.State)
	require.NotEmpty(t, w.TransactionUID)
	assert.True(t, models.ValidUID(w.TransactionUID))
}

func TestCompleteRequiresTransactionUID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.provider.CreateWorkitem(ctx, scheduled("1.2.3")))

	w, err := f.provider.ChangeWorkitemState(ctx, "1.2.3", models.StateInProgress, "")
	require.NoError(t, err)

	_, err = f.provider.ChangeWorkitemState(ctx, "1.2.3", models.StateCompleted, "2.25.wrong")
	assert.ErrorIs(t, err, ups.ErrWrongTransactionUID)

	done, err := f.provider.ChangeWorkitemState(ctx, "1.2.3", models.StateCompleted, w.TransactionUID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, done.State)

	// Terminal states admit nothing further.
	_, err = f.provider.ChangeWorkitemState(ctx, "1.2.3", models.StateCanceled, w.TransactionUID)
	assert.ErrorIs(t, err, ups.ErrInvalidTransition)
}

func TestIllegalTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.provider.CreateWorkitem(ctx, scheduled("1.2.3")))

	// SCHEDULED cannot jump straight to COMPLETED.
	_, err := f.provider.ChangeWorkitemState(ctx, "1.2.3", models.StateCompleted, "")
	assert.ErrorIs(t, err, ups.ErrInvalidTransition)

	_, err = f.provider.ChangeWorkitemState(ctx, "1.2.3", "UNKNOWN", "")
	assert.ErrorIs(t, err, models.ErrInvalidField)
}

func TestUpdateWorkitemRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.provider.CreateWorkitem(ctx, scheduled("1.2.3")))

	update := scheduled("ignored")
	update.ProcedureStepLabel = "MR BRAIN"
	require.NoError(t, f.provider.UpdateWorkitem(ctx, "1.2.3", "", update))

	w, err := f.provider.GetWorkitem(ctx, "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "MR BRAIN", w.ProcedureStepLabel)
	assert.Equal(t, "1.2.3", w.WorkitemUID, "UID is not updatable")

	claimed, err := f.provider.ChangeWorkitemState(ctx, "1.2.3", models.StateInProgress, "")
	require.NoError(t, err)

	assert.ErrorIs(t, f.provider.UpdateWorkitem(ctx, "1.2.3", "", update), ups.ErrWrongTransactionUID)
	require.NoError(t, f.provider.UpdateWorkitem(ctx, "1.2.3", claimed.TransactionUID, update))

	_, err = f.provider.ChangeWorkitemState(ctx, "1.2.3", models.StateCompleted, claimed.TransactionUID)
	require.NoError(t, err)
	assert.ErrorIs(t, f.provider.UpdateWorkitem(ctx, "1.2.3", claimed.TransactionUID, update), ups.ErrInvalidTransition)
}

func TestProgressReporting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.provider.CreateWorkitem(ctx, scheduled("1.2.3")))

	progress := models.ProgressInformation{Percent: 10, Description: "started"}
	assert.ErrorIs(t, f.provider.UpdateProgress(ctx, "1.2.3", "", progress), ups.ErrInvalidTransition)

	claimed, err := f.provider.ChangeWorkitemState(ctx, "1.2.3", models.StateInProgress, "")
	require.NoError(t, err)

	assert.ErrorIs(t, f.provider.UpdateProgress(ctx, "1.2.3", "2.25.wrong", progress), ups.ErrWrongTransactionUID)
	require.NoError(t, f.provider.UpdateProgress(ctx, "1.2.3", claimed.TransactionUID, progress))

	w, err := f.provider.GetWorkitem(ctx, "1.2.3")
	require.NoError(t, err)
	require.NotNil(t, w.Progress)
	assert.Equal(t, 10, w.Progress.Percent)
}

func TestCancellationSemantics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// SCHEDULED cancels immediately.
	require.NoError(t, f.provider.CreateWorkitem(ctx, scheduled("1.1")))
	require.NoError(t, f.provider.RequestCancellation(ctx, "1.1", "no longer needed"))
	w, err := f.provider.GetWorkitem(ctx, "1.1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCanceled, w.State)
	assert.Equal(t, "no longer needed", w.CancellationReason)

	// IN PROGRESS only records the request; the performer decides.
	require.NoError(t, f.provider.CreateWorkitem(ctx, scheduled("2.2")))
	_, err = f.provider.ChangeWorkitemState(ctx, "2.2", models.StateInProgress, "")
	require.NoError(t, err)
	require.NoError(t, f.provider.RequestCancellation(ctx, "2.2", "operator request"))
	w, err = f.provider.GetWorkitem(ctx, "2.2")
	require.NoError(t, err)
	assert.Equal(t, models.StateInProgress, w.State)

	// Terminal states conflict.
	assert.ErrorIs(t, f.provider.RequestCancellation(ctx, "1.1", "again"), ups.ErrInvalidTransition)
}

func TestDeleteRespectsDeletionLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.provider.CreateWorkitem(ctx, scheduled("1.2.3")))

	f.subs.Subscribe("SCU1", "1.2.3", true, nil)
	assert.ErrorIs(t, f.provider.DeleteWorkitem(ctx, "1.2.3"), ups.ErrDeletionLocked)

	f.subs.Unsubscribe("SCU1", "1.2.3")
	f.subs.SubscribeGlobal("SCU2", true, nil)
	assert.ErrorIs(t, f.provider.DeleteWorkitem(ctx, "1.2.3"), ups.ErrDeletionLocked, "global lock covers every workitem")

	f.subs.Unsubscribe("SCU2", "")
	require.NoError(t, f.provider.DeleteWorkitem(ctx, "1.2.3"))
	assert.ErrorIs(t, f.provider.DeleteWorkitem(ctx, "1.2.3"), ups.ErrNotFound)
}

func TestSearchWorkitems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := scheduled("1.1")
	a.Priority = models.PriorityStat
	b := scheduled("2.2")
	b.PatientID = "PID-2"
	require.NoError(t, f.provider.CreateWorkitem(ctx, a))
	require.NoError(t, f.provider.CreateWorkitem(ctx, b))
	_, err := f.provider.ChangeWorkitemState(ctx, "2.2", models.StateInProgress, "")
	require.NoError(t, err)

	all, err := f.provider.SearchWorkitems(ctx, ups.SearchFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	inProgress, err := f.provider.SearchWorkitems(ctx, ups.SearchFilter{State: models.StateInProgress})
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, "2.2", inProgress[0].WorkitemUID)

	stat, err := f.provider.SearchWorkitems(ctx, ups.SearchFilter{Priority: models.PriorityStat})
	require.NoError(t, err)
	require.Len(t, stat, 1)
	assert.Equal(t, "1.1", stat[0].WorkitemUID)

	paged, err := f.provider.SearchWorkitems(ctx, ups.SearchFilter{Offset: 1, Limit: 5})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "2.2", paged[0].WorkitemUID)
}

func TestLifecycleEmitsOrderedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.subs.Subscribe("SCU1", "1.2.3", false, nil)

	require.NoError(t, f.provider.CreateWorkitem(ctx, scheduled("1.2.3")))
	claimed, err := f.provider.ChangeWorkitemState(ctx, "1.2.3", models.StateInProgress, "")
	require.NoError(t, err)
	require.NoError(t, f.provider.UpdateProgress(ctx, "1.2.3", claimed.TransactionUID,
		models.ProgressInformation{Percent: 50}))
	_, err = f.provider.ChangeWorkitemState(ctx, "1.2.3", models.StateCompleted, claimed.TransactionUID)
	require.NoError(t, err)

	got := f.waitDeliveries(t, 4)
	types := make([]models.EventType, len(got))
	for i, d := range got {
		types[i] = d.Event.Type
		assert.Equal(t, "SCU1", d.Subscription.AETitle)
	}
	assert.Equal(t, []models.EventType{
		models.EventStateReport,
		models.EventProgressReport,
		models.EventStateReport,
		models.EventCompleted,
	}, types)
}

func TestGlobalSubscriberSeesAllWorkitems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.subs.SubscribeGlobal("WATCHER", false, nil)

	require.NoError(t, f.provider.CreateWorkitem(ctx, scheduled("1.1")))
	require.NoError(t, f.provider.CreateWorkitem(ctx, scheduled("2.2")))
	_, err := f.provider.ChangeWorkitemState(ctx, "1.1", models.StateInProgress, "")
	require.NoError(t, err)
	_, err = f.provider.ChangeWorkitemState(ctx, "2.2", models.StateCanceled, "")
	require.NoError(t, err)

	// 1.1: StateReport. 2.2: StateReport + Canceled.
	got := f.waitDeliveries(t, 3)
	assert.Len(t, got, 3)
}
