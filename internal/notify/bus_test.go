package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/pkg/errors"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePusher struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakePusher) PushToAlias(ctx context.Context, alias []string, title, content string, extras map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, alias)
	return nil
}

func (f *fakePusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSMS struct {
	mu     sync.Mutex
	phones []string
}

func (f *fakeSMS) SendAlert(ctx context.Context, phone string, params map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phones = append(f.phones, phone)
	return nil
}

type staticDirectory map[string]Contact

func (d staticDirectory) Contact(topic string) (Contact, bool) {
	c, ok := d[topic]
	return c, ok
}

func newBus(t *testing.T) (*Bus, *MemoryTransport, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	tr := NewMemoryTransport()
	return New(Config{TTL: 10 * time.Minute}, mock, tr), tr, mock
}

func alertNotification() models.Notification {
	return models.Notification{
		Type:     models.NotifyCrisisAlert,
		AlertID:  "alert-1",
		Priority: models.PriorityHigh,
		Payload:  map[string]interface{}{"message": "new alert"},
	}
}

func TestSendLiveAndQueued(t *testing.T) {
	bus, tr, _ := newBus(t)
	tr.SetOnline(ResponderTopic("r1"), true)

	receipt := bus.Send(context.Background(), alertNotification(), []string{ResponderTopic("r1"), ResponderTopic("r2")})
	assert.NotEmpty(t, receipt.NotificationID)
	assert.Equal(t, []string{ResponderTopic("r1")}, receipt.Delivered)
	assert.Equal(t, []string{ResponderTopic("r2")}, receipt.Queued)
	assert.Empty(t, receipt.Failed)

	assert.Len(t, tr.Published(ResponderTopic("r1")), 1)
	assert.Equal(t, 1, bus.Queued(ResponderTopic("r2")))
}

func TestPublishFailureFallsBackToQueue(t *testing.T) {
	bus, tr, _ := newBus(t)
	tr.SetOnline("user:u1", true)
	tr.SetFailing("user:u1", true)

	receipt := bus.Send(context.Background(), alertNotification(), []string{"user:u1"})
	assert.Equal(t, []string{"user:u1"}, receipt.Failed)
	assert.Equal(t, []string{"user:u1"}, receipt.Queued)
	assert.Equal(t, 1, bus.Queued("user:u1"))
}

func TestOfflineFallbackPushAndSMS(t *testing.T) {
	mock := clock.NewMock()
	tr := NewMemoryTransport()
	pusher := &fakePusher{}
	sms := &fakeSMS{}
	dir := staticDirectory{ResponderTopic("r1"): {PushAlias: "r1", Phone: "13800000000"}}
	bus := New(Config{}, mock, tr, WithPusher(pusher), WithSMS(sms), WithDirectory(dir))

	n := alertNotification()
	bus.Send(context.Background(), n, []string{ResponderTopic("r1")})
	assert.Equal(t, 1, pusher.count())
	assert.Empty(t, sms.phones, "sms only for emergency priority")

	n.Priority = models.PriorityEmergency
	bus.Send(context.Background(), n, []string{ResponderTopic("r1")})
	assert.Equal(t, 2, pusher.count())
	assert.Equal(t, []string{"13800000000"}, sms.phones)
}

func TestFlushReplaysPending(t *testing.T) {
	bus, tr, _ := newBus(t)
	topic := ResponderTopic("r1")

	first := bus.Send(context.Background(), alertNotification(), []string{topic})
	second := bus.Send(context.Background(), alertNotification(), []string{topic})
	require.NoError(t, bus.Acknowledge(second.NotificationID, "r1"))

	tr.SetOnline(topic, true)
	assert.Equal(t, 1, bus.Flush(topic))
	pub := tr.Published(topic)
	require.Len(t, pub, 1)
	assert.Equal(t, first.NotificationID, pub[0].Payload.(models.Notification).ID)
	assert.Equal(t, 0, bus.Queued(topic))
}

func TestFlushSkipsExpired(t *testing.T) {
	bus, tr, mock := newBus(t)
	topic := ResponderTopic("r1")
	bus.Send(context.Background(), alertNotification(), []string{topic})

	mock.Add(11 * time.Minute)
	tr.SetOnline(topic, true)
	assert.Equal(t, 0, bus.Flush(topic))
}

func TestFollowUpBumpsPriority(t *testing.T) {
	bus, tr, mock := newBus(t)
	topic := ResponderTopic("r1")
	tr.SetOnline(topic, true)

	receipt := bus.Send(context.Background(), alertNotification(), []string{topic})
	require.NoError(t, bus.ScheduleFollowUp(receipt.NotificationID, 30*time.Second))

	mock.Add(30 * time.Second)
	assert.Eventually(t, func() bool { return len(tr.Published(topic)) == 2 }, time.Second, 5*time.Millisecond)

	follow := tr.Published(topic)[1].Payload.(models.Notification)
	assert.Equal(t, models.NotifyCrisisFollowUp, follow.Type)
	assert.Equal(t, models.PriorityUrgent, follow.Priority)
	assert.Equal(t, 2, follow.Attempts)

	// 跟进之后再确认不报错
	assert.NoError(t, bus.Acknowledge(receipt.NotificationID, "r1"))
}

func TestAcknowledgeCancelsFollowUp(t *testing.T) {
	bus, tr, mock := newBus(t)
	topic := ResponderTopic("r1")
	tr.SetOnline(topic, true)

	receipt := bus.Send(context.Background(), alertNotification(), []string{topic})
	require.NoError(t, bus.ScheduleFollowUp(receipt.NotificationID, 30*time.Second))
	require.NoError(t, bus.Acknowledge(receipt.NotificationID, "r1"))

	mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, tr.Published(topic), 1)
}

func TestFollowUpBeyondExpiryIsNotScheduled(t *testing.T) {
	bus, tr, mock := newBus(t)
	topic := ResponderTopic("r1")
	tr.SetOnline(topic, true)

	receipt := bus.Send(context.Background(), alertNotification(), []string{topic})
	require.NoError(t, bus.ScheduleFollowUp(receipt.NotificationID, time.Hour))
	mock.Add(2 * time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, tr.Published(topic), 1)
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	bus, _, mock := newBus(t)
	receipt := bus.Send(context.Background(), alertNotification(), []string{ResponderTopic("r1")})

	require.NoError(t, bus.Acknowledge(receipt.NotificationID, "r1"))
	once, err := bus.Get(receipt.NotificationID)
	require.NoError(t, err)

	mock.Add(time.Second)
	require.NoError(t, bus.Acknowledge(receipt.NotificationID, "r2"))
	twice, err := bus.Get(receipt.NotificationID)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, "r1", twice.AcknowledgedBy)
}

func TestAcknowledgeUnknown(t *testing.T) {
	bus, _, _ := newBus(t)
	err := bus.Acknowledge("missing", "r1")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.ErrorIs(t, bus.ScheduleFollowUp("missing", time.Second), errors.ErrNotFound)
}

func TestBroadcastAndSweep(t *testing.T) {
	bus, tr, mock := newBus(t)
	_, err := bus.Broadcast(AdminTopic, models.Notification{Type: models.NotifyAdminEscalation, Priority: models.PriorityUrgent})
	require.NoError(t, err)
	assert.Len(t, tr.Published(AdminTopic), 1)

	tr.SetFailing(AdminTopic, true)
	_, err = bus.Broadcast(AdminTopic, models.Notification{Type: models.NotifyAdminEscalation})
	assert.True(t, errors.IsCode(err, errors.CodeCollaboratorFailure))

	a := bus.Send(context.Background(), alertNotification(), []string{"user:u1"})
	bus.Send(context.Background(), alertNotification(), []string{"user:u1"})
	require.NoError(t, bus.Acknowledge(a.NotificationID, "r1"))
	assert.Equal(t, 1, bus.Sweep())
	assert.Equal(t, 1, bus.Queued("user:u1"))

	mock.Add(time.Hour)
	assert.Equal(t, 1, bus.Sweep())
	assert.Equal(t, 0, bus.Queued("user:u1"))
}
