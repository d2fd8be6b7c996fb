// Package notify 负责通知的扇出投递、离线队列、跟进提醒与确认。
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/pkg/errors"
	"HibiscusCrisis/pkg/logger"
	"HibiscusCrisis/pkg/metrics"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// 房间主题
const (
	AdminTopic = "admin"
)

func ResponderTopic(id string) string { return "responder:" + id }
func UserTopic(id string) string      { return "user:" + id }

// Transport 实时推送通道
type Transport interface {
	Publish(topic string, payload interface{}) error
	IsOnline(topic string) bool
}

// Pusher 离线推送（按别名）
type Pusher interface {
	PushToAlias(ctx context.Context, alias []string, title, content string, extras map[string]interface{}) error
}

// SMSSender 紧急短信
type SMSSender interface {
	SendAlert(ctx context.Context, phone string, params map[string]string) error
}

// Contact 离线兜底所需的联系方式
type Contact struct {
	PushAlias string
	Phone     string
}

// Directory 根据房间主题查联系方式
type Directory interface {
	Contact(topic string) (Contact, bool)
}

type Config struct {
	// 通知默认有效期
	TTL time.Duration
	// 单个接收方离线队列上限，超出丢弃最旧的
	QueueLimit int
	// 投递并发上限
	Concurrency int
}

func DefaultConfig() Config {
	return Config{TTL: 30 * time.Minute, QueueLimit: 100, Concurrency: 8}
}

type record struct {
	mu        sync.Mutex
	n         models.Notification
	followSeq uint64
	follow    *clock.Timer
}

// Bus 通知总线
type Bus struct {
	cfg       Config
	clock     clock.Clock
	transport Transport
	pusher    Pusher
	sms       SMSSender
	directory Directory
	metrics   *metrics.Metrics

	records *gocache.Cache

	qmu    sync.Mutex
	queues map[string][]string
}

type Option func(*Bus)

func WithPusher(p Pusher) Option       { return func(b *Bus) { b.pusher = p } }
func WithSMS(s SMSSender) Option       { return func(b *Bus) { b.sms = s } }
func WithDirectory(d Directory) Option { return func(b *Bus) { b.directory = d } }
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

func New(cfg Config, clk clock.Clock, transport Transport, opts ...Option) *Bus {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = def.QueueLimit
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if clk == nil {
		clk = clock.New()
	}
	b := &Bus{
		cfg:       cfg,
		clock:     clk,
		transport: transport,
		// 记录在有效期之外再保留一段时间，以便迟到的确认仍能找到
		records: gocache.New(cfg.TTL*2, cfg.TTL),
		queues:  make(map[string][]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) prepare(n *models.Notification, recipients []string) {
	now := b.clock.Now()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.ExpiresAt.IsZero() {
		n.ExpiresAt = n.CreatedAt.Add(b.cfg.TTL)
	}
	if n.Priority == "" {
		n.Priority = models.PriorityNormal
	}
	n.Recipients = append([]string(nil), recipients...)
}

func (b *Bus) store(rec *record) {
	ttl := rec.n.ExpiresAt.Sub(b.clock.Now()) + b.cfg.TTL
	if ttl <= 0 {
		ttl = b.cfg.TTL
	}
	b.records.Set(rec.n.ID, rec, ttl)
}

func (b *Bus) lookup(id string) (*record, error) {
	v, ok := b.records.Get(id)
	if !ok {
		return nil, errors.NotFound("notification", id)
	}
	return v.(*record), nil
}

// Send 向每个接收方投递：在线则实时推送，否则入离线队列并尝试推送/短信兜底
func (b *Bus) Send(ctx context.Context, n models.Notification, recipients []string) models.DeliveryReceipt {
	b.prepare(&n, recipients)
	n.Attempts = 1
	b.store(&record{n: n})
	return b.deliver(ctx, n, recipients)
}

// deliver 不持有记录锁，兜底推送期间确认照常进行
func (b *Bus) deliver(ctx context.Context, n models.Notification, recipients []string) models.DeliveryReceipt {
	receipt := models.DeliveryReceipt{NotificationID: n.ID}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)
	for _, r := range recipients {
		recipient := r
		g.Go(func() error {
			live, failed := b.deliverOne(gctx, n, recipient)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case live:
				receipt.Delivered = append(receipt.Delivered, recipient)
			default:
				receipt.Queued = append(receipt.Queued, recipient)
			}
			if failed {
				receipt.Failed = append(receipt.Failed, recipient)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(receipt.Delivered)
	sort.Strings(receipt.Queued)
	sort.Strings(receipt.Failed)
	return receipt
}

// deliverOne 返回是否实时送达、实时推送是否出错
func (b *Bus) deliverOne(ctx context.Context, n models.Notification, recipient string) (bool, bool) {
	failed := false
	if b.transport != nil && b.transport.IsOnline(recipient) {
		err := b.transport.Publish(recipient, n)
		if err == nil {
			b.metrics.NotificationSent(n.Type, "live")
			return true, false
		}
		failed = true
		b.metrics.CollaboratorError("transport")
		logger.Warn("publish notification failed",
			zap.String("notification", n.ID), zap.String("recipient", recipient), zap.Error(err))
	}

	b.enqueue(recipient, n.ID)
	b.metrics.NotificationSent(n.Type, "queued")
	b.fallback(ctx, n, recipient)
	return false, failed
}

// fallback 离线兜底：推送，紧急级别再加短信
func (b *Bus) fallback(ctx context.Context, n models.Notification, recipient string) {
	if b.directory == nil {
		return
	}
	contact, ok := b.directory.Contact(recipient)
	if !ok {
		return
	}
	if b.pusher != nil && contact.PushAlias != "" {
		title, body := summary(n)
		extras := map[string]interface{}{"notificationId": n.ID, "alertId": n.AlertID, "type": n.Type}
		if err := b.pusher.PushToAlias(ctx, []string{contact.PushAlias}, title, body, extras); err != nil {
			b.metrics.CollaboratorError("push")
			logger.Warn("push fallback failed", zap.String("recipient", recipient), zap.Error(err))
		} else {
			b.metrics.NotificationSent(n.Type, "push")
		}
	}
	if b.sms != nil && contact.Phone != "" && n.Priority == models.PriorityEmergency {
		params := map[string]string{"alert": n.AlertID, "type": n.Type}
		if err := b.sms.SendAlert(ctx, contact.Phone, params); err != nil {
			b.metrics.CollaboratorError("sms")
			logger.Warn("sms fallback failed", zap.String("recipient", recipient), zap.Error(err))
		} else {
			b.metrics.NotificationSent(n.Type, "sms")
		}
	}
}

func summary(n models.Notification) (string, string) {
	if msg, ok := n.Payload["message"].(string); ok && msg != "" {
		return n.Type, msg
	}
	return n.Type, fmt.Sprintf("%s priority %s", n.Type, n.Priority)
}

func (b *Bus) enqueue(recipient, id string) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	q := b.queues[recipient]
	for _, existing := range q {
		if existing == id {
			return
		}
	}
	q = append(q, id)
	if len(q) > b.cfg.QueueLimit {
		q = q[len(q)-b.cfg.QueueLimit:]
	}
	b.queues[recipient] = q
	b.metrics.SetOfflineQueue(b.queuedLocked())
}

func (b *Bus) queuedLocked() int {
	total := 0
	for _, q := range b.queues {
		total += len(q)
	}
	return total
}

// Queued 返回接收方离线队列长度
func (b *Bus) Queued(recipient string) int {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	return len(b.queues[recipient])
}

// pending 离线队列中仍需投递的通知：未确认且未过期
func (b *Bus) pending(id string, now time.Time) (models.Notification, bool) {
	rec, err := b.lookup(id)
	if err != nil {
		return models.Notification{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.n.Acknowledged() || !now.Before(rec.n.ExpiresAt) {
		return models.Notification{}, false
	}
	return rec.n, true
}

// Flush 接收方重连后重放离线队列，至少一次投递。返回送达条数。
func (b *Bus) Flush(recipient string) int {
	b.qmu.Lock()
	ids := b.queues[recipient]
	delete(b.queues, recipient)
	b.qmu.Unlock()

	now := b.clock.Now()
	sent := 0
	for i, id := range ids {
		n, ok := b.pending(id, now)
		if !ok {
			continue
		}
		if b.transport == nil {
			b.requeue(recipient, ids[i:])
			break
		}
		if err := b.transport.Publish(recipient, n); err != nil {
			logger.Warn("flush notification failed", zap.String("recipient", recipient), zap.Error(err))
			b.requeue(recipient, ids[i:])
			break
		}
		sent++
		b.metrics.NotificationSent(n.Type, "replay")
	}

	b.qmu.Lock()
	b.metrics.SetOfflineQueue(b.queuedLocked())
	b.qmu.Unlock()
	return sent
}

func (b *Bus) requeue(recipient string, ids []string) {
	for _, id := range ids {
		b.enqueue(recipient, id)
	}
}

// ScheduleFollowUp 若 delay 内未确认，则提升一级优先级重新发送。超出有效期则不安排。
func (b *Bus) ScheduleFollowUp(id string, delay time.Duration) error {
	rec, err := b.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.n.Acknowledged() {
		return nil
	}
	if b.clock.Now().Add(delay).After(rec.n.ExpiresAt) {
		return nil
	}
	rec.followSeq++
	seq := rec.followSeq
	if rec.follow != nil {
		rec.follow.Stop()
	}
	rec.follow = b.clock.AfterFunc(delay, func() { b.fireFollowUp(rec, seq) })
	return nil
}

// CancelFollowUp 取消待发的跟进
func (b *Bus) CancelFollowUp(id string) {
	rec, err := b.lookup(id)
	if err != nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.cancelFollowUp()
}

// cancelFollowUp 调用方持有 rec.mu；序号递增后旧回调一律失效
func (rec *record) cancelFollowUp() {
	rec.followSeq++
	if rec.follow != nil {
		rec.follow.Stop()
		rec.follow = nil
	}
}

func (b *Bus) fireFollowUp(rec *record, seq uint64) {
	rec.mu.Lock()
	if seq != rec.followSeq || rec.n.Acknowledged() || !b.clock.Now().Before(rec.n.ExpiresAt) {
		rec.mu.Unlock()
		return
	}
	rec.follow = nil
	rec.n.Priority = models.BumpPriority(rec.n.Priority)
	rec.n.Attempts++

	n := rec.n
	n.Type = models.NotifyCrisisFollowUp
	payload := make(map[string]interface{}, len(rec.n.Payload)+1)
	for k, v := range rec.n.Payload {
		payload[k] = v
	}
	payload["originalType"] = rec.n.Type
	n.Payload = payload
	recipients := rec.n.Recipients
	rec.mu.Unlock()

	b.metrics.FollowUpFired()
	receipt := b.deliver(context.Background(), n, recipients)
	logger.Info("follow-up sent",
		zap.String("notification", n.ID), zap.String("priority", n.Priority),
		zap.Int("delivered", len(receipt.Delivered)), zap.Int("queued", len(receipt.Queued)))
}

// Acknowledge 幂等确认；重复确认保留第一次的确认人与时间
func (b *Bus) Acknowledge(id, responderID string) error {
	rec, err := b.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.n.Acknowledged() {
		return nil
	}
	now := b.clock.Now()
	rec.n.AcknowledgedBy = responderID
	rec.n.AcknowledgedAt = &now
	rec.cancelFollowUp()
	b.metrics.Acknowledged()
	return nil
}

// Get 返回通知快照
func (b *Bus) Get(id string) (models.Notification, error) {
	rec, err := b.lookup(id)
	if err != nil {
		return models.Notification{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	n := rec.n
	n.Recipients = append([]string(nil), rec.n.Recipients...)
	if rec.n.AcknowledgedAt != nil {
		t := *rec.n.AcknowledgedAt
		n.AcknowledgedAt = &t
	}
	return n, nil
}

// Broadcast 向某个主题（如管理员房间）直接发布，不做在线判断和离线排队
func (b *Bus) Broadcast(topic string, n models.Notification) (models.Notification, error) {
	b.prepare(&n, []string{topic})
	n.Attempts = 1
	b.store(&record{n: n})
	if b.transport == nil {
		return n, errors.CollaboratorFailure("transport", fmt.Errorf("not configured"))
	}
	if err := b.transport.Publish(topic, n); err != nil {
		b.metrics.CollaboratorError("transport")
		return n, errors.CollaboratorFailure("transport", err)
	}
	b.metrics.NotificationSent(n.Type, "broadcast")
	return n, nil
}

// Sweep 清理离线队列中已确认、已过期或已被回收的通知，返回清理条数
func (b *Bus) Sweep() int {
	now := b.clock.Now()

	b.qmu.Lock()
	snapshot := make(map[string][]string, len(b.queues))
	for k, v := range b.queues {
		snapshot[k] = append([]string(nil), v...)
	}
	b.qmu.Unlock()

	drop := make(map[string]struct{})
	for _, ids := range snapshot {
		for _, id := range ids {
			if _, ok := b.pending(id, now); !ok {
				drop[id] = struct{}{}
			}
		}
	}
	if len(drop) == 0 {
		return 0
	}

	removed := 0
	b.qmu.Lock()
	defer b.qmu.Unlock()
	for recipient, ids := range b.queues {
		kept := ids[:0]
		for _, id := range ids {
			if _, gone := drop[id]; gone {
				removed++
				continue
			}
			kept = append(kept, id)
		}
		if len(kept) == 0 {
			delete(b.queues, recipient)
		} else {
			b.queues[recipient] = kept
		}
	}
	b.metrics.SetOfflineQueue(b.queuedLocked())
	return removed
}
