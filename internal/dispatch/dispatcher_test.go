package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/internal/notify"
	"HibiscusCrisis/internal/registry"
	"HibiscusCrisis/pkg/errors"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmergency struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (f *fakeEmergency) Trigger(ctx context.Context, a models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeEmergency) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) Name() string { return "test" }

func (l *eventLog) OnAlertEvent(ctx context.Context, e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e.Type)
	return nil
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fixture struct {
	clock     *clock.Mock
	registry  *registry.Registry
	transport *notify.MemoryTransport
	bus       *notify.Bus
	emergency *fakeEmergency
	events    *eventLog
	d         *Dispatcher
}

func newFixture(t *testing.T, responders ...models.ResponderProfile) *fixture {
	t.Helper()
	f := &fixture{
		clock:     clock.NewMock(),
		transport: notify.NewMemoryTransport(),
		emergency: &fakeEmergency{},
		events:    &eventLog{},
	}
	f.registry = registry.New(f.clock)
	for _, r := range responders {
		f.registry.Upsert(r)
		f.transport.SetOnline(notify.ResponderTopic(r.ID), true)
	}
	f.transport.SetOnline(notify.AdminTopic, true)
	f.bus = notify.New(notify.Config{TTL: time.Hour}, f.clock, f.transport)
	f.d = New(Config{}, f.clock, f.registry, f.bus, WithEmergency(f.emergency), WithObservers(f.events))
	return f
}

func responder(id string, exp string) models.ResponderProfile {
	return models.ResponderProfile{
		ID:          id,
		Name:        "R " + id,
		Experience:  exp,
		MaxCapacity: 2,
		Rating:      4,
		Online:      true,
		Active:      true,
	}
}

// 经验等级决定排名：r1 > r2 > r3 > r4
func fourResponders() []models.ResponderProfile {
	return []models.ResponderProfile{
		responder("r1", models.ExperienceExpert),
		responder("r2", models.ExperienceAdvanced),
		responder("r3", models.ExperienceIntermediate),
		responder("r4", models.ExperienceBeginner),
	}
}

func (f *fixture) crisisAlerts(responderID string) int {
	n := 0
	for _, p := range f.transport.Published(notify.ResponderTopic(responderID)) {
		if p.Payload.(models.Notification).Type == models.NotifyCrisisAlert {
			n++
		}
	}
	return n
}

var subject = models.Subject{UserID: "u1", SessionID: "s1", MessageID: "m1"}

func TestCriticalDispatchNotifiesTopThreeAtOnce(t *testing.T) {
	f := newFixture(t, fourResponders()...)
	analysis := models.CrisisAnalysis{
		RiskLevel:  models.RiskCritical,
		Categories: models.CrisisCategories{Violence: models.CategoryScore{Score: 20}},
	}

	res, err := f.d.Dispatch(context.Background(), analysis, subject)
	require.NoError(t, err)
	assert.False(t, res.Escalated)
	assert.Equal(t, Strategy{Count: 3, Staggered: false}, res.Strategy)
	assert.Equal(t, []string{"r1", "r2", "r3"}, res.NotifiedResponderIDs)
	assert.Equal(t, 60*time.Second, res.EscalationWindow)
	assert.Equal(t, models.PriorityEmergency, res.Alert.PriorityLevel)
	assert.Equal(t, models.AlertActive, res.Alert.Status)
	assert.True(t, f.d.Escalation().Armed(res.AlertID))
	assert.Equal(t, 0, f.crisisAlerts("r4"))

	// 紧急级别同时通知管理员
	assert.Len(t, f.transport.Published(notify.AdminTopic), 1)
	assert.Equal(t, []string{EventCreated}, f.events.list())
}

func TestNoEligibleRespondersEscalatesAndTriggersEmergencyOnce(t *testing.T) {
	f := newFixture(t)
	res, err := f.d.Dispatch(context.Background(), models.CrisisAnalysis{RiskLevel: models.RiskMedium}, subject)
	require.NoError(t, err)

	assert.True(t, res.Escalated)
	assert.Empty(t, res.NotifiedResponderIDs)
	assert.Equal(t, models.AlertEscalated, res.Alert.Status)
	assert.Equal(t, models.ReasonNoRespondersAvailable, res.Alert.EscalationReason)
	assert.Equal(t, 1, f.emergency.count())
	assert.False(t, f.d.Escalation().Armed(res.AlertID))

	f.clock.Add(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, f.emergency.count())
	assert.Equal(t, []string{EventCreated, EventEscalated}, f.events.list())
}

func TestAcceptCancelsEscalation(t *testing.T) {
	f := newFixture(t, fourResponders()...)
	res, err := f.d.Dispatch(context.Background(), models.CrisisAnalysis{RiskLevel: models.RiskCritical}, subject)
	require.NoError(t, err)

	require.NoError(t, f.d.HandleResponse(context.Background(), res.AlertID, "r2", ActionAccept, ""))
	assert.False(t, f.d.Escalation().Armed(res.AlertID))

	f.clock.Add(10 * time.Minute)
	time.Sleep(10 * time.Millisecond)

	a, err := f.d.Get(res.AlertID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertAssigned, a.Status)
	assert.Equal(t, "r2", a.AssignedResponderID)
	assert.Empty(t, a.EscalationReason)

	p, _ := f.registry.Get("r2")
	assert.Equal(t, 1, p.CurrentLoad)

	// 用户收到分配通知
	f.transport.SetOnline(notify.UserTopic("u1"), true)
	f.bus.Flush(notify.UserTopic("u1"))
	pub := f.transport.Published(notify.UserTopic("u1"))
	require.Len(t, pub, 1)
	assert.Equal(t, models.NotifyResponderAssigned, pub[0].Payload.(models.Notification).Type)
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	f := newFixture(t, fourResponders()...)
	res, err := f.d.Dispatch(context.Background(), models.CrisisAnalysis{RiskLevel: models.RiskCritical}, subject)
	require.NoError(t, err)

	ids := []string{"r1", "r2", "r3"}
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = f.d.HandleResponse(context.Background(), res.AlertID, id, ActionAccept, "")
		}(i, id)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, errors.ErrAlreadyAssigned)
		}
	}
	assert.Equal(t, 1, winners)

	a, _ := f.d.Get(res.AlertID)
	assert.Equal(t, models.AlertAssigned, a.Status)
	total := 0
	for _, id := range ids {
		p, _ := f.registry.Get(id)
		total += p.CurrentLoad
		if p.CurrentLoad == 1 {
			assert.Equal(t, id, a.AssignedResponderID)
		}
	}
	assert.Equal(t, 1, total)
}

func TestDeclineOnlyResponderEscalates(t *testing.T) {
	f := newFixture(t, responder("solo", models.ExperienceExpert))
	res, err := f.d.Dispatch(context.Background(), models.CrisisAnalysis{RiskLevel: models.RiskLow}, subject)
	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, res.NotifiedResponderIDs)

	require.NoError(t, f.d.HandleResponse(context.Background(), res.AlertID, "solo", ActionDecline, "busy"))

	a, _ := f.d.Get(res.AlertID)
	assert.Equal(t, models.AlertEscalated, a.Status)
	assert.Equal(t, models.ReasonNoRespondersAvailable, a.EscalationReason)
	assert.Equal(t, []string{"solo"}, a.DeclinedResponderIDs)
	assert.Equal(t, 1, f.emergency.count())
	assert.False(t, f.d.Escalation().Armed(res.AlertID))
}

func TestStaggeredNotification(t *testing.T) {
	f := newFixture(t, fourResponders()...)
	res, err := f.d.Dispatch(context.Background(), models.CrisisAnalysis{RiskLevel: models.RiskHigh}, subject)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityUrgent, res.Alert.PriorityLevel)
	assert.Equal(t, []string{"r1"}, res.NotifiedResponderIDs)
	assert.Equal(t, 0, f.crisisAlerts("r2"))

	f.clock.Add(30 * time.Second)
	assert.Eventually(t, func() bool { return f.crisisAlerts("r2") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"r1", "r2"}, f.d.Outstanding(res.AlertID))

	// 策略只包含前两名
	f.clock.Add(60 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, f.crisisAlerts("r3"))
}

func TestDeclineSkipsStaggerDelay(t *testing.T) {
	f := newFixture(t, fourResponders()...)
	res, err := f.d.Dispatch(context.Background(), models.CrisisAnalysis{RiskLevel: models.RiskHigh}, subject)
	require.NoError(t, err)

	require.NoError(t, f.d.HandleResponse(context.Background(), res.AlertID, "r1", ActionDecline, ""))
	assert.Equal(t, 1, f.crisisAlerts("r2"))
	assert.Equal(t, []string{"r2"}, f.d.Outstanding(res.AlertID))

	// 原定的延迟通知不再重复发送
	f.clock.Add(30 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, f.crisisAlerts("r2"))
}

func TestDeclineWithoutCandidatesRedispatches(t *testing.T) {
	f := newFixture(t, fourResponders()...)
	res, err := f.d.Dispatch(context.Background(), models.CrisisAnalysis{RiskLevel: models.RiskLow}, subject)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, res.NotifiedResponderIDs)

	require.NoError(t, f.d.HandleResponse(context.Background(), res.AlertID, "r1", ActionDecline, ""))
	assert.Equal(t, []string{"r2"}, f.d.Outstanding(res.AlertID))
	a, _ := f.d.Get(res.AlertID)
	assert.Equal(t, models.AlertActive, a.Status)
	assert.Equal(t, []string{"r1", "r2"}, a.NotifiedResponderIDs)
}

func TestEscalationTimeoutUsesExpandedFilter(t *testing.T) {
	full := responder("full", models.ExperienceExpert)
	full.CurrentLoad = 2
	f := newFixture(t, responder("r1", models.ExperienceAdvanced), full)

	res, err := f.d.Dispatch(context.Background(), models.CrisisAnalysis{RiskLevel: models.RiskLow}, subject)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, res.NotifiedResponderIDs)
	assert.Equal(t, 600*time.Second, res.EscalationWindow)

	f.clock.Add(600 * time.Second)
	assert.Eventually(t, func() bool {
		a, _ := f.d.Get(res.AlertID)
		return a.Status == models.AlertEscalated
	}, time.Second, 5*time.Millisecond)

	a, _ := f.d.Get(res.AlertID)
	assert.Equal(t, models.ReasonResponseTimeout, a.EscalationReason)
	assert.Equal(t, 1, f.crisisAlerts("full"))
	assert.Equal(t, 0, f.emergency.count())
	assert.Eventually(t, func() bool {
		return len(f.transport.Published(notify.AdminTopic)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		for _, e := range f.events.list() {
			if e == EventEscalated {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	admin := f.transport.Published(notify.AdminTopic)
	assert.Equal(t, models.ReasonResponseTimeout, admin[len(admin)-1].Payload.(models.Notification).Payload["reason"])

	// 满载的响应者仍不能接受
	err = f.d.HandleResponse(context.Background(), res.AlertID, "full", ActionAccept, "")
	assert.ErrorIs(t, err, errors.ErrResponderUnavailable)

	// 升级后仍可被接受
	require.NoError(t, f.d.HandleResponse(context.Background(), res.AlertID, "r1", ActionAccept, ""))
	a, _ = f.d.Get(res.AlertID)
	assert.Equal(t, models.AlertAssigned, a.Status)
}

func TestResponseErrors(t *testing.T) {
	f := newFixture(t, fourResponders()...)
	ctx := context.Background()

	err := f.d.HandleResponse(ctx, "missing", "r1", ActionAccept, "")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	res, err := f.d.Dispatch(ctx, models.CrisisAnalysis{RiskLevel: models.RiskCritical}, subject)
	require.NoError(t, err)

	err = f.d.HandleResponse(ctx, res.AlertID, "r1", "maybe", "")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	require.NoError(t, f.d.HandleResponse(ctx, res.AlertID, "r1", ActionAccept, ""))
	err = f.d.HandleResponse(ctx, res.AlertID, "r2", ActionDecline, "")
	assert.ErrorIs(t, err, errors.ErrAlreadyAssigned)
}

func TestResolveReleasesLoad(t *testing.T) {
	f := newFixture(t, fourResponders()...)
	ctx := context.Background()
	res, err := f.d.Dispatch(ctx, models.CrisisAnalysis{RiskLevel: models.RiskCritical}, subject)
	require.NoError(t, err)
	require.NoError(t, f.d.HandleResponse(ctx, res.AlertID, "r1", ActionAccept, ""))
	assert.Equal(t, 1, f.d.ActiveCount())

	a, err := f.d.Resolve(ctx, res.AlertID, "", "talked it through", "r1")
	require.NoError(t, err)
	assert.Equal(t, models.AlertResolved, a.Status)
	assert.Equal(t, models.OutcomeResolved, a.Resolution.Outcome)
	assert.NotNil(t, a.ResolvedAt)

	p, _ := f.registry.Get("r1")
	assert.Equal(t, 0, p.CurrentLoad)
	assert.Equal(t, 0, f.d.ActiveCount())

	_, err = f.d.Resolve(ctx, res.AlertID, "", "", "r1")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	err = f.d.HandleResponse(ctx, res.AlertID, "r2", ActionAccept, "")
	assert.ErrorIs(t, err, errors.ErrAlreadyAssigned)

	_, err = f.d.Resolve(ctx, "missing", "", "", "")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestSweepStale(t *testing.T) {
	f := newFixture(t, fourResponders()...)
	ctx := context.Background()
	res, err := f.d.Dispatch(ctx, models.CrisisAnalysis{RiskLevel: models.RiskCritical}, subject)
	require.NoError(t, err)
	require.NoError(t, f.d.HandleResponse(ctx, res.AlertID, "r1", ActionAccept, ""))

	assert.Equal(t, 0, f.d.SweepStale(ctx, f.clock.Now().Add(time.Hour)))
	assert.Equal(t, 1, f.d.SweepStale(ctx, f.clock.Now().Add(2*time.Hour)))

	a, err := f.d.Get(res.AlertID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertResolved, a.Status)
	assert.Equal(t, models.OutcomeTimeout, a.Resolution.Outcome)

	// 保留期过后从内存中移除
	f.d.SweepStale(ctx, f.clock.Now().Add(5*time.Hour))
	_, err = f.d.Get(res.AlertID)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestRearm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.d.Dispatch(ctx, models.CrisisAnalysis{RiskLevel: models.RiskMedium}, subject)
	require.NoError(t, err)
	require.True(t, res.Escalated)

	f.registry.Upsert(responder("late", models.ExperienceExpert))
	f.transport.SetOnline(notify.ResponderTopic("late"), true)

	require.NoError(t, f.d.Rearm(ctx, res.AlertID, models.RiskHigh))
	a, _ := f.d.Get(res.AlertID)
	assert.Equal(t, models.AlertActive, a.Status)
	assert.Equal(t, models.RiskHigh, a.Severity)
	assert.True(t, f.d.Escalation().Armed(res.AlertID))

	f.clock.Add(180 * time.Second)
	assert.Eventually(t, func() bool {
		a, _ := f.d.Get(res.AlertID)
		return a.Status == models.AlertEscalated && a.EscalationReason == models.ReasonResponseTimeout
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.crisisAlerts("late"))

	_, err = f.d.Resolve(ctx, res.AlertID, "", "", "admin")
	require.NoError(t, err)
	assert.ErrorIs(t, f.d.Rearm(ctx, res.AlertID, models.RiskHigh), errors.ErrInvalidTransition)
}

func TestRearmAssignedRemindsResponder(t *testing.T) {
	f := newFixture(t, fourResponders()...)
	ctx := context.Background()
	res, err := f.d.Dispatch(ctx, models.CrisisAnalysis{RiskLevel: models.RiskCritical}, subject)
	require.NoError(t, err)
	require.NoError(t, f.d.HandleResponse(ctx, res.AlertID, "r3", ActionAccept, ""))

	before := len(f.transport.Published(notify.ResponderTopic("r3")))
	require.NoError(t, f.d.Rearm(ctx, res.AlertID, models.RiskCritical))
	assert.Len(t, f.transport.Published(notify.ResponderTopic("r3")), before+1)
	assert.False(t, f.d.Escalation().Armed(res.AlertID))

	a, _ := f.d.Get(res.AlertID)
	assert.Equal(t, models.AlertAssigned, a.Status)
}

func TestAlertsAreIndependent(t *testing.T) {
	var responders []models.ResponderProfile
	for i := 0; i < 10; i++ {
		r := responder(fmt.Sprintf("r%d", i), models.ExperienceAdvanced)
		r.MaxCapacity = 10
		responders = append(responders, r)
	}
	f := newFixture(t, responders...)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.d.Dispatch(ctx, models.CrisisAnalysis{RiskLevel: models.RiskCritical}, models.Subject{UserID: fmt.Sprintf("u%d", i)})
			assert.NoError(t, err)
			ids[i] = res.AlertID
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, f.d.ActiveCount())
	assert.Len(t, f.d.OpenAlertsForUser("u3"), 1)
}

type blockingPusher struct {
	entered chan string
	release chan struct{}
}

func (p *blockingPusher) PushToAlias(_ context.Context, alias []string, _, _ string, _ map[string]interface{}) error {
	p.entered <- alias[0]
	<-p.release
	return nil
}

type aliasDirectory struct{}

func (aliasDirectory) Contact(topic string) (notify.Contact, bool) {
	return notify.Contact{PushAlias: topic}, true
}

func TestAcceptIsNotBlockedBySlowOfflineFallback(t *testing.T) {
	f := newFixture(t, fourResponders()...)
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		f.transport.SetOnline(notify.ResponderTopic(id), false)
	}
	f.transport.SetOnline(notify.UserTopic("u1"), true)
	p := &blockingPusher{entered: make(chan string, 8), release: make(chan struct{})}
	f.bus = notify.New(notify.Config{TTL: time.Hour}, f.clock, f.transport,
		notify.WithDirectory(aliasDirectory{}), notify.WithPusher(p))
	f.d = New(Config{}, f.clock, f.registry, f.bus, WithEmergency(f.emergency), WithObservers(f.events))
	ctx := context.Background()

	done := make(chan DispatchResult, 1)
	go func() {
		res, _ := f.d.Dispatch(ctx, models.CrisisAnalysis{RiskLevel: models.RiskCritical}, subject)
		done <- res
	}()

	select {
	case alias := <-p.entered:
		assert.Equal(t, notify.ResponderTopic("r1"), alias)
	case <-time.After(time.Second):
		t.Fatal("push fallback was not reached")
	}
	open := f.d.OpenAlertsForUser("u1")
	require.Len(t, open, 1)

	accepted := make(chan error, 1)
	go func() { accepted <- f.d.HandleResponse(ctx, open[0].ID, "r2", ActionAccept, "") }()
	select {
	case err := <-accepted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("accept waited for the push fallback")
	}

	close(p.release)
	var res DispatchResult
	select {
	case res = <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch did not finish")
	}
	assert.Equal(t, []string{"r1", "r2", "r3"}, res.NotifiedResponderIDs)
	assert.False(t, f.d.Escalation().Armed(res.AlertID))

	// 接手之后才投递的通知已确认，重新上线时不会重放
	for _, id := range []string{"r1", "r2", "r3"} {
		f.transport.SetOnline(notify.ResponderTopic(id), true)
		assert.Equal(t, 0, f.bus.Flush(notify.ResponderTopic(id)), id)
	}
}

func TestTriggerEmergencySharesOncePerAlertGuard(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	res, err := f.d.Dispatch(ctx, models.CrisisAnalysis{RiskLevel: models.RiskMedium}, subject)
	require.NoError(t, err)
	require.True(t, res.Escalated)
	fired, err := f.d.TriggerEmergency(ctx, res.AlertID)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Equal(t, 1, f.emergency.count())

	g := newFixture(t, fourResponders()...)
	res, err = g.d.Dispatch(ctx, models.CrisisAnalysis{RiskLevel: models.RiskMedium}, subject)
	require.NoError(t, err)
	fired, err = g.d.TriggerEmergency(ctx, res.AlertID)
	require.NoError(t, err)
	assert.True(t, fired)
	fired, err = g.d.TriggerEmergency(ctx, res.AlertID)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Equal(t, 1, g.emergency.count())

	_, err = g.d.TriggerEmergency(ctx, "missing")
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}
