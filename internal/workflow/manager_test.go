package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/pkg/errors"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	alerts map[string]models.Alert
	rearms []string
}

func (f *fakeDispatcher) put(a models.Alert) {
	f.mu.Lock()
	f.alerts[a.ID] = a
	f.mu.Unlock()
}

func (f *fakeDispatcher) Get(id string) (models.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[id]
	if !ok {
		return models.Alert{}, errors.NotFound("alert", id)
	}
	return a, nil
}

func (f *fakeDispatcher) Rearm(_ context.Context, id, severity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rearms = append(f.rearms, id+":"+severity)
	return nil
}

func (f *fakeDispatcher) rearmed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rearms...)
}

type sent struct {
	n         models.Notification
	recipient string
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeMessenger) Send(_ context.Context, n models.Notification, recipients []string) models.DeliveryReceipt {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range recipients {
		f.sent = append(f.sent, sent{n: n, recipient: r})
	}
	return models.DeliveryReceipt{NotificationID: "n", Delivered: recipients}
}

func (f *fakeMessenger) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if k, ok := s.n.Payload["kind"].(string); ok {
			out = append(out, k)
		}
	}
	return out
}

type fakeEmergency struct{ n int32 }

func (f *fakeEmergency) Trigger(context.Context, models.Alert) error {
	atomic.AddInt32(&f.n, 1)
	return nil
}

func (f *fakeEmergency) count() int { return int(atomic.LoadInt32(&f.n)) }

type fakeActivity struct {
	mu   sync.Mutex
	next *models.CrisisAnalysis
}

func (f *fakeActivity) set(a models.CrisisAnalysis) {
	f.mu.Lock()
	f.next = &a
	f.mu.Unlock()
}

func (f *fakeActivity) MostSevere(string, time.Time) (models.CrisisAnalysis, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next == nil {
		return models.CrisisAnalysis{}, false
	}
	a := *f.next
	f.next = nil
	return a, true
}

type fixture struct {
	clock      *clock.Mock
	dispatcher *fakeDispatcher
	messenger  *fakeMessenger
	emergency  *fakeEmergency
	activity   *fakeActivity
	manager    *Manager
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock:      clock.NewMock(),
		dispatcher: &fakeDispatcher{alerts: map[string]models.Alert{}},
		messenger:  &fakeMessenger{},
		emergency:  &fakeEmergency{},
		activity:   &fakeActivity{},
	}
	opts = append([]Option{WithEmergency(f.emergency), WithActivity(f.activity)}, opts...)
	f.manager = NewManager(cfg, f.clock, f.dispatcher, f.messenger, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.manager.Shutdown(ctx)
	})
	return f
}

func (f *fixture) alert(id, status, responder string) models.Alert {
	a := models.Alert{
		ID:                  id,
		UserID:              "user-" + id,
		Severity:            models.RiskHigh,
		PriorityLevel:       models.PriorityUrgent,
		Status:              status,
		AssignedResponderID: responder,
	}
	f.dispatcher.put(a)
	return a
}

func (f *fixture) waitPhase(t *testing.T, id, phase string) models.SafetyWorkflow {
	t.Helper()
	var wf models.SafetyWorkflow
	require.Eventually(t, func() bool {
		var err error
		wf, err = f.manager.Get(id)
		return err == nil && wf.Phase == phase
	}, time.Second, 5*time.Millisecond)
	return wf
}

func hasEvent(wf models.SafetyWorkflow, kind string) bool {
	for _, ev := range wf.Events {
		if ev.Type == kind {
			return true
		}
	}
	return false
}

func noDelay() Config {
	cfg := DefaultConfig()
	cfg.ActionDelay = 0
	return cfg
}

func TestCriticalViolenceRunsImmediateSafety(t *testing.T) {
	f := newFixture(t, noDelay())
	alert := f.alert("a1", models.AlertAssigned, "r1")
	analysis := models.CrisisAnalysis{
		RiskLevel:       models.RiskCritical,
		Categories:      models.CrisisCategories{Violence: models.CategoryScore{Score: 20, Keywords: []string{"hurt"}}},
		MatchedKeywords: []string{"hurt"},
	}

	wf, err := f.manager.Start(context.Background(), alert, analysis, Environment{})
	require.NoError(t, err)
	assert.Equal(t, models.ProtocolImmediateSafety, wf.Protocol)
	assert.False(t, hasEvent(wf, EventProtocolUpgraded))

	done := f.waitPhase(t, wf.ID, models.PhaseMonitoring)
	assert.Len(t, done.Log, 5)
	assert.LessOrEqual(t, done.CompletedActions, len(done.Log))
	assert.Equal(t, 5, done.CompletedActions)
	for i, name := range SelectProtocol(analysis).Actions {
		assert.Equal(t, name, done.Log[i].Action)
	}
	assert.Equal(t, 1, f.emergency.count())
}

func TestCriticalSafetyUpgradesProtocolAndTriggersOnce(t *testing.T) {
	f := newFixture(t, noDelay())
	alert := f.alert("a1", models.AlertAssigned, "r1")
	analysis := models.CrisisAnalysis{
		RiskLevel:       models.RiskHigh,
		MatchedKeywords: []string{"tonight"},
	}

	wf, err := f.manager.Start(context.Background(), alert, analysis, Environment{})
	require.NoError(t, err)
	assert.Equal(t, models.ProtocolImmediateSafety, wf.Protocol)
	assert.Equal(t, models.SafetyCritical, wf.Assessment.SafetyLevel)
	assert.True(t, hasEvent(wf, EventProtocolUpgraded))

	done := f.waitPhase(t, wf.ID, models.PhaseMonitoring)
	assert.True(t, hasEvent(done, EventEmergencyTriggered))
	assert.Equal(t, 1, f.emergency.count())
	for _, rec := range done.Log {
		if rec.Action == ActionContactEmergency {
			assert.Equal(t, "already contacted", rec.Detail)
		}
	}
}

// gatedDispatcher 模拟已经因无人可用触发过紧急响应的调度器
type gatedDispatcher struct {
	*fakeDispatcher
	mu    sync.Mutex
	calls []string
}

func (g *gatedDispatcher) TriggerEmergency(_ context.Context, alertID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, alertID)
	return false, nil
}

func TestEmergencyGoesThroughDispatcherGate(t *testing.T) {
	f := newFixture(t, noDelay())
	gate := &gatedDispatcher{fakeDispatcher: f.dispatcher}
	m := NewManager(noDelay(), f.clock, gate, f.messenger, WithEmergency(f.emergency), WithActivity(f.activity))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	alert := f.alert("a1", models.AlertEscalated, "")
	wf, err := m.Start(context.Background(), alert, models.CrisisAnalysis{
		RiskLevel:       models.RiskMedium,
		MatchedKeywords: []string{"tonight"},
	}, Environment{})
	require.NoError(t, err)
	assert.Equal(t, models.SafetyCritical, wf.Assessment.SafetyLevel)

	var done models.SafetyWorkflow
	require.Eventually(t, func() bool {
		done, err = m.Get(wf.ID)
		return err == nil && done.Phase == models.PhaseMonitoring
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, f.emergency.count())
	for _, ev := range done.Events {
		if ev.Type == EventEmergencyTriggered {
			assert.Equal(t, "already triggered", ev.Detail)
		}
	}
	gate.mu.Lock()
	defer gate.mu.Unlock()
	assert.Equal(t, []string{"a1"}, gate.calls)
}

func TestFailedActionsAreRecordedAndDoNotAbort(t *testing.T) {
	f := newFixture(t, noDelay())
	alert := f.alert("a1", models.AlertActive, "")

	wf, err := f.manager.Start(context.Background(), alert, models.CrisisAnalysis{RiskLevel: models.RiskHigh}, Environment{})
	require.NoError(t, err)
	assert.Equal(t, models.ProtocolCrisisIntervention, wf.Protocol)

	done := f.waitPhase(t, wf.ID, models.PhaseMonitoring)
	require.Len(t, done.Log, 6)
	assert.Equal(t, ActionNotifyResponder, done.Log[1].Action)
	assert.Equal(t, "failed", done.Log[1].Outcome)
	assert.Equal(t, 5, done.CompletedActions)
	assert.True(t, hasEvent(done, EventActionFailed))
	assert.Equal(t, []string{"safety_resources", "safety_plan"}, f.messenger.kinds())
}

func TestUnknownActionFails(t *testing.T) {
	f := newFixture(t, noDelay())
	_, err := f.manager.runAction(context.Background(), "teleport", ActionContext{})
	assert.Error(t, err)
}

func TestActionDelayThrottlesNonCriticalWorkflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ActionDelay = 10 * time.Second
	f := newFixture(t, cfg)
	alert := f.alert("a1", models.AlertActive, "")

	wf, err := f.manager.Start(context.Background(), alert, models.CrisisAnalysis{RiskLevel: models.RiskLow}, Environment{})
	require.NoError(t, err)
	assert.Equal(t, models.ProtocolMonitoring, wf.Protocol)

	require.Eventually(t, func() bool {
		got, _ := f.manager.Get(wf.ID)
		return len(got.Log) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	got, _ := f.manager.Get(wf.ID)
	assert.Len(t, got.Log, 1)

	require.Eventually(t, func() bool {
		f.clock.Add(cfg.ActionDelay)
		got, _ := f.manager.Get(wf.ID)
		return len(got.Log) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestCompleteTwiceIsInvalid(t *testing.T) {
	f := newFixture(t, noDelay())
	alert := f.alert("a1", models.AlertAssigned, "r1")
	wf, err := f.manager.Start(context.Background(), alert, models.CrisisAnalysis{RiskLevel: models.RiskLow}, Environment{})
	require.NoError(t, err)

	done, err := f.manager.Complete(context.Background(), wf.ID, models.CompletionResolved)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCompleted, done.Phase)
	assert.NotNil(t, done.EndedAt)

	_, err = f.manager.Complete(context.Background(), wf.ID, models.CompletionResolved)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidTransition))

	st, err := f.manager.Status(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletionResolved, st.CompletionReason)
	assert.Equal(t, 0, f.manager.ActiveCount())
	_, ok := f.manager.ForAlert(alert.ID)
	assert.False(t, ok)

	_, err = f.manager.Complete(context.Background(), "missing", models.CompletionResolved)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestStartTwiceForSameAlert(t *testing.T) {
	f := newFixture(t, noDelay())
	alert := f.alert("a1", models.AlertAssigned, "r1")
	_, err := f.manager.Start(context.Background(), alert, models.CrisisAnalysis{RiskLevel: models.RiskLow}, Environment{})
	require.NoError(t, err)
	_, err = f.manager.Start(context.Background(), alert, models.CrisisAnalysis{RiskLevel: models.RiskLow}, Environment{})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidTransition))
	assert.Len(t, f.manager.ActiveForUser(alert.UserID), 1)
}

func TestWorkflowTimesOut(t *testing.T) {
	cfg := noDelay()
	cfg.MaxDuration = time.Hour
	f := newFixture(t, cfg)
	alert := f.alert("a1", models.AlertAssigned, "r1")
	wf, err := f.manager.Start(context.Background(), alert, models.CrisisAnalysis{RiskLevel: models.RiskLow}, Environment{})
	require.NoError(t, err)
	f.waitPhase(t, wf.ID, models.PhaseMonitoring)

	f.clock.Add(time.Hour)
	done := f.waitPhase(t, wf.ID, models.PhaseCompleted)
	assert.Equal(t, models.CompletionTimeout, done.CompletionReason)
}

func TestMonitoringReentersExecutingOnRenewedSigns(t *testing.T) {
	cfg := noDelay()
	cfg.MonitorInterval = time.Minute
	f := newFixture(t, cfg)
	alert := f.alert("a1", models.AlertAssigned, "r1")
	wf, err := f.manager.Start(context.Background(), alert, models.CrisisAnalysis{RiskLevel: models.RiskLow}, Environment{})
	require.NoError(t, err)
	f.waitPhase(t, wf.ID, models.PhaseMonitoring)

	f.activity.set(models.CrisisAnalysis{RiskLevel: models.RiskHigh})
	require.Eventually(t, func() bool {
		f.clock.Add(cfg.MonitorInterval)
		got, _ := f.manager.Get(wf.ID)
		return got.EscalationCount == 1
	}, time.Second, 10*time.Millisecond)

	got := f.waitPhase(t, wf.ID, models.PhaseMonitoring)
	assert.Equal(t, models.ProtocolCrisisIntervention, got.Protocol)
	assert.True(t, hasEvent(got, EventProtocolEscalated))
	assert.Equal(t, 6, got.CompletedActions)
	assert.Equal(t, []string{"a1:high"}, f.dispatcher.rearmed())
}

func TestMonitoringIgnoresCalmActivity(t *testing.T) {
	cfg := noDelay()
	cfg.MonitorInterval = time.Minute
	f := newFixture(t, cfg)
	alert := f.alert("a1", models.AlertAssigned, "r1")
	wf, err := f.manager.Start(context.Background(), alert, models.CrisisAnalysis{RiskLevel: models.RiskMedium}, Environment{})
	require.NoError(t, err)
	f.waitPhase(t, wf.ID, models.PhaseMonitoring)

	f.activity.set(models.CrisisAnalysis{RiskLevel: models.RiskLow})
	require.Eventually(t, func() bool {
		f.clock.Add(cfg.MonitorInterval)
		f.activity.mu.Lock()
		defer f.activity.mu.Unlock()
		return f.activity.next == nil
	}, time.Second, 10*time.Millisecond)

	got, _ := f.manager.Get(wf.ID)
	assert.Equal(t, 0, got.EscalationCount)
	assert.Equal(t, models.ProtocolStabilization, got.Protocol)
	assert.Empty(t, f.dispatcher.rearmed())
}

func TestCheckInIsSentUnlessCompleted(t *testing.T) {
	cfg := noDelay()
	cfg.CheckInDelay = 30 * time.Minute
	cfg.MonitorInterval = time.Hour
	f := newFixture(t, cfg)

	a1 := f.alert("a1", models.AlertAssigned, "r1")
	wf1, err := f.manager.Start(context.Background(), a1, models.CrisisAnalysis{RiskLevel: models.RiskLow}, Environment{})
	require.NoError(t, err)
	f.waitPhase(t, wf1.ID, models.PhaseMonitoring)

	f.clock.Add(cfg.CheckInDelay)
	require.Eventually(t, func() bool {
		got, _ := f.manager.Get(wf1.ID)
		return hasEvent(got, EventCheckIn)
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, f.messenger.kinds(), "check_in")

	a2 := f.alert("a2", models.AlertAssigned, "r1")
	wf2, err := f.manager.Start(context.Background(), a2, models.CrisisAnalysis{RiskLevel: models.RiskLow}, Environment{})
	require.NoError(t, err)
	f.waitPhase(t, wf2.ID, models.PhaseMonitoring)
	_, err = f.manager.Complete(context.Background(), wf2.ID, models.CompletionResolved)
	require.NoError(t, err)

	f.clock.Add(cfg.CheckInDelay)
	time.Sleep(20 * time.Millisecond)
	got, _ := f.manager.Get(wf2.ID)
	assert.False(t, hasEvent(got, EventCheckIn))
}

func TestObserversReceiveEventsInOrder(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	observer := func(name string) Observer {
		return ObserverFunc{ID: name, Fn: func(_ context.Context, _ models.SafetyWorkflow, ev models.WorkflowEvent) error {
			mu.Lock()
			defer mu.Unlock()
			if ev.Type == EventStarted {
				calls = append(calls, name)
			}
			return nil
		}}
	}
	f := newFixture(t, noDelay(), WithObservers(observer("store"), observer("feed")))
	alert := f.alert("a1", models.AlertAssigned, "r1")
	_, err := f.manager.Start(context.Background(), alert, models.CrisisAnalysis{RiskLevel: models.RiskLow}, Environment{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"store", "feed"}, calls)
}

func TestAttachAndPrune(t *testing.T) {
	f := newFixture(t, noDelay())
	alert := f.alert("a1", models.AlertAssigned, "r1")
	wf, err := f.manager.Start(context.Background(), alert, models.CrisisAnalysis{RiskLevel: models.RiskLow}, Environment{})
	require.NoError(t, err)

	require.NoError(t, f.manager.Attach(context.Background(), wf.ID, EventAlertAttached, "a2"))
	st, err := f.manager.Status(wf.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(st.RecentEvents), recentEventCount)

	_, err = f.manager.Complete(context.Background(), wf.ID, models.CompletionSuperseded)
	require.NoError(t, err)
	assert.True(t, errors.IsCode(f.manager.Attach(context.Background(), wf.ID, EventAlertAttached, "a3"), errors.CodeInvalidTransition))

	assert.Equal(t, 0, f.manager.Prune(f.clock.Now()))
	assert.Equal(t, 1, f.manager.Prune(f.clock.Now().Add(DefaultConfig().Retention)))
	_, err = f.manager.Get(wf.ID)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}
