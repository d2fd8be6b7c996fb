package listeners

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"HibiscusCrisis/internal/dispatch"
	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/internal/store"
	"HibiscusCrisis/pkg/sse"
	"HibiscusCrisis/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *store.GormStore {
	t.Helper()
	db, err := util.InitDatabase("sqlite", "")
	require.NoError(t, err)
	s := store.New(db)
	require.NoError(t, s.Migrate())
	return s
}

func TestObserversPersistThenPublish(t *testing.T) {
	st := newStore(t)
	hub := sse.NewHub(time.Minute, 16, nil)
	alerts, workflows := Observers(st, hub)
	require.Len(t, alerts, 2)
	require.Len(t, workflows, 2)
	assert.Equal(t, "persistence", alerts[0].Name())
	assert.Equal(t, "admin_feed", alerts[1].Name())

	ctx := context.Background()
	a := models.Alert{ID: "a1", UserID: "u1", Severity: models.RiskHigh, PriorityLevel: models.PriorityUrgent,
		Status: models.AlertAssigned, AssignedResponderID: "r1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	for _, o := range alerts {
		require.NoError(t, o.OnAlertEvent(ctx, dispatch.Event{Type: dispatch.EventAssigned, Alert: a}))
	}

	got, err := st.FindAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AlertAssigned, got.Status)

	wf := models.SafetyWorkflow{ID: "w1", AlertID: "a1", UserID: "u1", Protocol: models.ProtocolCrisisIntervention,
		Phase: models.PhaseExecuting, StartedAt: time.Now()}
	for _, o := range workflows {
		require.NoError(t, o.OnWorkflowEvent(ctx, wf, models.WorkflowEvent{Type: "workflow_started", At: time.Now()}))
	}
	saved, err := st.FindWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseExecuting, saved.Phase)

	events := hub.Since(0, map[string]bool{GroupAlerts: true})
	require.Len(t, events, 1)
	assert.Equal(t, dispatch.EventAssigned, events[0].Type)
	var view AlertView
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &view))
	assert.Equal(t, "r1", view.ResponderID)

	events = hub.Since(0, map[string]bool{GroupWorkflows: true})
	require.Len(t, events, 1)
	assert.Equal(t, "workflow_started", events[0].Type)
}

func TestObserversWithoutCollaborators(t *testing.T) {
	alerts, workflows := Observers(nil, nil)
	assert.Empty(t, alerts)
	assert.Empty(t, workflows)
}
