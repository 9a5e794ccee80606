package models_test

import (
	"strings"
	"testing"

	"github.com/dicomkit/dicomweb-server/internal/dicomjson"
	"github.com/dicomkit/dicomweb-server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine(t *testing.T) {
	allowed := map[models.WorkitemState][]models.WorkitemState{
		models.StateScheduled:  {models.StateInProgress, models.StateCanceled},
		models.StateInProgress: {models.StateCompleted, models.StateCanceled},
		models.StateCompleted:  {},
		models.StateCanceled:   {},
	}
	all := []models.WorkitemState{
		models.StateScheduled, models.StateInProgress, models.StateCompleted, models.StateCanceled,
	}

	for from, targets := range allowed {
		ok := map[models.WorkitemState]bool{}
		for _, to := range targets {
			ok[to] = true
		}
		for _, to := range all {
			assert.Equal(t, ok[to], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	assert.True(t, models.StateCompleted.Terminal())
	assert.True(t, models.StateCanceled.Terminal())
	assert.False(t, models.StateInProgress.Terminal())
}

func TestWorkitemValidate(t *testing.T) {
	w := &models.Workitem{WorkitemUID: "1.2.3", State: models.StateScheduled}
	require.NoError(t, w.Validate())

	w.WorkitemUID = ""
	assert.ErrorIs(t, w.Validate(), models.ErrEmptyWorkitemUID)

	w.WorkitemUID = "not-a-uid"
	assert.ErrorIs(t, w.Validate(), models.ErrInvalidField)

	w.WorkitemUID = "1.2.3"
	w.State = models.StateInProgress
	assert.ErrorIs(t, w.Validate(), models.ErrMissingTransactionUID)

	w.TransactionUID = "4.5.6"
	require.NoError(t, w.Validate())

	w.Priority = "URGENT"
	assert.ErrorIs(t, w.Validate(), models.ErrInvalidField)
}

func TestWorkitemDatasetRoundtrip(t *testing.T) {
	w := &models.Workitem{
		WorkitemUID:        "1.2.3.4",
		State:              models.StateInProgress,
		Priority:           models.PriorityHigh,
		TransactionUID:     "2.25.99",
		PatientName:        "DOE^JOHN",
		PatientID:          "PID-1",
		ScheduledStartTime: "20260825093000",
		StudyInstanceUID:   "1.2.840.1",
		ProcedureStepLabel: "CT CHEST",
		WorklistLabel:      "MAIN",
		ScheduledWorkitemCode: &models.CodeItem{
			CodeValue: "110001", CodingSchemeDesignator: "DCM", CodeMeaning: "Image Processing",
		},
		ScheduledPerformers: []models.HumanPerformer{{
			Code: models.CodeItem{CodeValue: "RAD", CodingSchemeDesignator: "99LOCAL", CodeMeaning: "Radiologist"},
			Name: "SMITH^ANNA", Organization: "General Hospital",
		}},
		InputInformation:   []models.ReferencedSOP{{SOPClassUID: "1.2.840.10008.5.1.4.1.1.2", SOPInstanceUID: "1.2.3.10"}},
		OutputInformation:  []models.ReferencedSOP{{SOPClassUID: "1.2.840.10008.5.1.4.1.1.7", SOPInstanceUID: "1.2.3.11"}},
		Progress:           &models.ProgressInformation{Percent: 40, Description: "reconstructing"},
		CancellationReason: "",
	}

	back := models.WorkitemFromDataset(w.ToDataset())
	assert.Equal(t, w, back)
}

func TestWorkitemFromDatasetDefaults(t *testing.T) {
	w := models.WorkitemFromDataset(dicomjson.Dataset{})
	assert.Equal(t, models.StateScheduled, w.State, "missing state defaults to SCHEDULED")
	assert.Equal(t, models.PriorityMedium, w.Priority, "missing priority defaults to MEDIUM")
}

func TestNewUID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		uid := models.NewUID()
		require.True(t, strings.HasPrefix(uid, "2.25."), "uid %q", uid)
		require.True(t, models.ValidUID(uid), "uid %q", uid)
		require.False(t, seen[uid], "uid %q repeated", uid)
		seen[uid] = true
	}
}

func TestValidUID(t *testing.T) {
	assert.True(t, models.ValidUID("1.2.840.10008.5.1.4.34.5"))
	assert.True(t, models.ValidUID("2.25.1"))
	assert.False(t, models.ValidUID(""))
	assert.False(t, models.ValidUID("1..2"))
	assert.False(t, models.ValidUID("1.2a.3"))
	assert.False(t, models.ValidUID(strings.Repeat("1", 65)))
}
