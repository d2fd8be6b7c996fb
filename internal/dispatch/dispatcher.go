// Package dispatch 创建警报、挑选响应者、按策略通知并处理接受/拒绝与升级。
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"HibiscusCrisis/internal/escalation"
	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/internal/notify"
	"HibiscusCrisis/internal/registry"
	"HibiscusCrisis/internal/scoring"
	"HibiscusCrisis/pkg/errors"
	"HibiscusCrisis/pkg/logger"
	"HibiscusCrisis/pkg/metrics"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 响应动作
const (
	ActionAccept  = "accept"
	ActionDecline = "decline"
)

// Notifier 通知总线中调度器用到的部分
type Notifier interface {
	Send(ctx context.Context, n models.Notification, recipients []string) models.DeliveryReceipt
	ScheduleFollowUp(id string, delay time.Duration) error
	CancelFollowUp(id string)
	Acknowledge(id, responderID string) error
	Broadcast(topic string, n models.Notification) (models.Notification, error)
}

// Emergency 外部紧急响应
type Emergency interface {
	Trigger(ctx context.Context, alert models.Alert) error
}

// MessageFunc 生成面向用户的文案
type MessageFunc func(id string, data map[string]interface{}) string

type Config struct {
	// 升级窗口，按严重程度覆盖默认值
	Windows map[string]time.Duration
	// 无活动多久后强制结案
	StaleAfter time.Duration
	// 已结案警报在内存中的保留时间
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{StaleAfter: 2 * time.Hour, Retention: 2 * time.Hour}
}

// DispatchResult 一次派发的结果
type DispatchResult struct {
	AlertID              string        `json:"alertId"`
	Alert                models.Alert  `json:"alert"`
	Strategy             Strategy      `json:"strategy"`
	NotifiedResponderIDs []string      `json:"notifiedResponderIds"`
	Escalated            bool          `json:"escalated"`
	EscalationWindow     time.Duration `json:"escalationWindow"`
}

type alertState struct {
	mu       sync.Mutex
	alert    models.Alert
	analysis models.CrisisAnalysis
	strategy Strategy

	// 尚未通知的分批候选人
	candidates []string
	staggerSeq uint64
	stagger    *clock.Timer

	// 已通知且未拒绝的响应者 -> 通知 ID
	outstanding   map[string]string
	notifications []string
	emergencySent bool

	// 已登记、待锁外发送的通知
	pending []outbound
}

// outbound 一条锁内登记、锁外投递的响应者通知
type outbound struct {
	n         models.Notification
	responder string
	// 提醒已接手的响应者，不计入待回应
	reminder bool
	followUp time.Duration
}

// takePending 调用方持有 st.mu
func (st *alertState) takePending() []outbound {
	out := st.pending
	st.pending = nil
	return out
}

func (st *alertState) open() bool { return st.alert.Open() }

// Dispatcher 警报调度器。每个警报一把锁，警报之间互不阻塞。
type Dispatcher struct {
	cfg       Config
	clock     clock.Clock
	registry  *registry.Registry
	bus       Notifier
	emergency Emergency
	metrics   *metrics.Metrics
	message   MessageFunc

	escalation *escalation.Scheduler

	mu     sync.RWMutex
	alerts map[string]*alertState

	omu       sync.RWMutex
	observers []Observer
}

type Option func(*Dispatcher)

func WithEmergency(e Emergency) Option      { return func(d *Dispatcher) { d.emergency = e } }
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }
func WithMessages(fn MessageFunc) Option    { return func(d *Dispatcher) { d.message = fn } }
func WithObservers(obs ...Observer) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, obs...) }
}

func New(cfg Config, clk clock.Clock, reg *registry.Registry, bus Notifier, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if clk == nil {
		clk = clock.New()
	}
	d := &Dispatcher{
		cfg:      cfg,
		clock:    clk,
		registry: reg,
		bus:      bus,
		alerts:   make(map[string]*alertState),
		message:  func(id string, _ map[string]interface{}) string { return id },
	}
	for _, opt := range opts {
		opt(d)
	}
	d.escalation = escalation.New(clk, cfg.Windows, d.onEscalationTimeout)
	return d
}

// Subscribe 追加观察者，按追加顺序依次通知
func (d *Dispatcher) Subscribe(obs ...Observer) {
	d.omu.Lock()
	defer d.omu.Unlock()
	d.observers = append(d.observers, obs...)
}

// Escalation 返回内部升级调度器
func (d *Dispatcher) Escalation() *escalation.Scheduler { return d.escalation }

func (d *Dispatcher) lookup(alertID string) (*alertState, error) {
	d.mu.RLock()
	st, ok := d.alerts[alertID]
	d.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound("alert", alertID)
	}
	return st, nil
}

// Dispatch 创建警报并按策略通知响应者；无人可用时直接升级并触发紧急响应
func (d *Dispatcher) Dispatch(ctx context.Context, analysis models.CrisisAnalysis, subject models.Subject) (DispatchResult, error) {
	now := d.clock.Now()
	score := PriorityScore(analysis)
	level := PriorityLevel(analysis.RiskLevel, score)

	st := &alertState{
		analysis:    analysis,
		strategy:    StrategyFor(level),
		outstanding: make(map[string]string),
		alert: models.Alert{
			ID:            uuid.NewString(),
			UserID:        subject.UserID,
			SessionID:     subject.SessionID,
			MessageID:     subject.MessageID,
			Severity:      analysis.RiskLevel,
			PriorityScore: score,
			PriorityLevel: level,
			Status:        models.AlertActive,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}

	d.mu.Lock()
	d.alerts[st.alert.ID] = st
	d.mu.Unlock()
	d.metrics.AlertDispatched(level)

	st.mu.Lock()
	ranked := d.discover(st, registry.Filter{})
	var notified []string
	var trigger *models.Alert
	escalated := len(ranked) == 0
	if escalated {
		d.escalateLocked(st, models.ReasonNoRespondersAvailable)
		trigger = d.takeEmergencyLocked(st)
	} else {
		notified = d.applyStrategyLocked(st, ranked)
	}
	alert := st.alert.Clone()
	batch := st.takePending()
	st.mu.Unlock()

	d.emit(ctx, Event{Type: EventCreated, Alert: alert, Analysis: &analysis})
	d.send(ctx, st, batch)

	result := DispatchResult{
		AlertID:              alert.ID,
		Strategy:             st.strategy,
		NotifiedResponderIDs: notified,
		Escalated:            escalated,
	}

	if escalated {
		d.triggerEmergency(ctx, trigger)
		d.notifyAdmins(alert, models.ReasonNoRespondersAvailable)
		d.emit(ctx, Event{Type: EventEscalated, Alert: alert})
		result.Alert = alert
		return result, nil
	}

	handle := d.escalation.Arm(alert.ID, alert.Severity)
	result.EscalationWindow = handle.Window

	// 布防前警报可能已被接受，此时撤销这次布防
	st.mu.Lock()
	stillActive := st.alert.Status == models.AlertActive
	st.mu.Unlock()
	if !stillActive {
		handle.Cancel()
	}

	if level == models.PriorityEmergency || level == models.PriorityUrgent {
		d.notifyAdmins(alert, "high_priority_alert")
	}

	logger.Info("alert dispatched",
		zap.String("alert", alert.ID), zap.String("priority", level),
		zap.Float64("score", score), zap.Strings("notified", notified))

	result.Alert = alert
	return result, nil
}

// discover 调用方持有 st.mu。排除已拒绝和仍在等待回应的响应者。
func (d *Dispatcher) discover(st *alertState, f registry.Filter) []scoring.Ranked {
	exclude := make(map[string]struct{}, len(st.alert.DeclinedResponderIDs)+len(st.outstanding))
	for _, id := range st.alert.DeclinedResponderIDs {
		exclude[id] = struct{}{}
	}
	for id := range st.outstanding {
		exclude[id] = struct{}{}
	}
	f.Exclude = exclude
	return scoring.Rank(d.registry.ListEligible(f), st.analysis)
}

// applyStrategyLocked 按策略通知：紧急级别同时通知前 N 名，其余先通知第一名再按延迟依次通知
func (d *Dispatcher) applyStrategyLocked(st *alertState, ranked []scoring.Ranked) []string {
	s := st.strategy
	n := s.Count
	if n > len(ranked) {
		n = len(ranked)
	}
	picked := make([]string, n)
	for i := 0; i < n; i++ {
		picked[i] = ranked[i].Responder.ID
	}

	d.cancelStaggerLocked(st)
	if !s.Staggered {
		for _, id := range picked {
			d.notifyResponderLocked(st, id, models.NotifyCrisisAlert, st.alert.PriorityLevel)
		}
		return picked
	}

	d.notifyResponderLocked(st, picked[0], models.NotifyCrisisAlert, st.alert.PriorityLevel)
	st.candidates = append([]string(nil), picked[1:]...)
	d.scheduleStaggerLocked(st)
	return picked[:1]
}

// notifyResponderLocked 登记一条通知，由调用方解锁后经 send 投递
func (d *Dispatcher) notifyResponderLocked(st *alertState, responderID, kind, priority string) {
	a := &st.alert
	n := models.Notification{
		ID:       uuid.NewString(),
		Type:     kind,
		AlertID:  a.ID,
		Priority: priority,
		Payload: map[string]interface{}{
			"alertId":       a.ID,
			"userId":        a.UserID,
			"sessionId":     a.SessionID,
			"severity":      a.Severity,
			"priority":      a.PriorityLevel,
			"priorityScore": a.PriorityScore,
			"status":        a.Status,
			"keywords":      st.analysis.MatchedKeywords,
			"message":       d.message("crisis_alert", map[string]interface{}{"Severity": a.Severity, "Priority": a.PriorityLevel}),
		},
	}
	st.outstanding[responderID] = n.ID
	st.notifications = append(st.notifications, n.ID)
	if !containsString(a.NotifiedResponderIDs, responderID) {
		a.NotifiedResponderIDs = append(a.NotifiedResponderIDs, responderID)
	}
	a.UpdatedAt = d.clock.Now()
	st.pending = append(st.pending, outbound{
		n:         n,
		responder: responderID,
		followUp:  d.escalation.Window(a.Severity) / 2,
	})
}

// send 在锁外投递，推送与短信兜底的网络调用不阻塞同一警报上的接受与拒绝。
// 投递期间警报可能已被接手或拒绝，此时不再安排跟进。
func (d *Dispatcher) send(ctx context.Context, st *alertState, batch []outbound) {
	for _, o := range batch {
		receipt := d.bus.Send(ctx, o.n, []string{notify.ResponderTopic(o.responder)})
		if len(receipt.Failed) > 0 {
			d.metrics.CollaboratorError("transport")
		}

		st.mu.Lock()
		a := &st.alert
		var wanted bool
		if o.reminder {
			wanted = a.Status == models.AlertAssigned && a.AssignedResponderID == o.responder
		} else {
			wanted = st.open() && st.outstanding[o.responder] == o.n.ID
		}
		var ackBy string
		if !wanted && a.Status == models.AlertAssigned {
			ackBy = a.AssignedResponderID
		}
		if wanted {
			if err := d.bus.ScheduleFollowUp(o.n.ID, o.followUp); err != nil {
				logger.Warn("schedule follow-up failed", zap.String("alert", a.ID), zap.Error(err))
			}
		}
		st.mu.Unlock()

		// 接手发生在投递之前，补一次确认，避免离线队列重放
		if ackBy != "" {
			if err := d.bus.Acknowledge(o.n.ID, ackBy); err != nil && !errors.IsCode(err, errors.CodeNotFound) {
				logger.Warn("acknowledge failed", zap.String("notification", o.n.ID), zap.Error(err))
			}
		}
	}
}

// scheduleStaggerLocked 为下一位候选人安排延迟通知
func (d *Dispatcher) scheduleStaggerLocked(st *alertState) {
	if len(st.candidates) == 0 {
		return
	}
	st.staggerSeq++
	seq := st.staggerSeq
	alertID := st.alert.ID
	st.stagger = d.clock.AfterFunc(st.strategy.Delay, func() { d.onStagger(alertID, seq) })
}

// cancelStaggerLocked 序号递增后旧回调全部失效
func (d *Dispatcher) cancelStaggerLocked(st *alertState) {
	st.staggerSeq++
	if st.stagger != nil {
		st.stagger.Stop()
		st.stagger = nil
	}
}

func (d *Dispatcher) onStagger(alertID string, seq uint64) {
	st, err := d.lookup(alertID)
	if err != nil {
		return
	}
	st.mu.Lock()
	if seq != st.staggerSeq || st.alert.Status != models.AlertActive || len(st.candidates) == 0 {
		st.mu.Unlock()
		return
	}
	st.stagger = nil
	d.notifyNextCandidateLocked(st)
	batch := st.takePending()
	st.mu.Unlock()
	d.send(context.Background(), st, batch)
}

// notifyNextCandidateLocked 通知下一位仍然合格的候选人，并安排再下一位
func (d *Dispatcher) notifyNextCandidateLocked(st *alertState) bool {
	for len(st.candidates) > 0 {
		next := st.candidates[0]
		st.candidates = st.candidates[1:]
		p, err := d.registry.Get(next)
		if err != nil || !p.Online || !p.Active || p.CurrentLoad >= p.MaxCapacity {
			continue
		}
		d.notifyResponderLocked(st, next, models.NotifyCrisisAlert, st.alert.PriorityLevel)
		d.scheduleStaggerLocked(st)
		return true
	}
	return false
}

// onEscalationTimeout 升级定时器回调：仍为 active 时转为 escalated，扩大范围重新通知并告知管理员
func (d *Dispatcher) onEscalationTimeout(alertID string) {
	st, err := d.lookup(alertID)
	if err != nil {
		return
	}
	ctx := context.Background()

	st.mu.Lock()
	if st.alert.Status != models.AlertActive {
		st.mu.Unlock()
		return
	}
	d.cancelStaggerLocked(st)
	st.candidates = nil
	st.alert.Status = models.AlertEscalated
	st.alert.EscalationReason = models.ReasonResponseTimeout
	st.alert.UpdatedAt = d.clock.Now()
	d.metrics.AlertEscalated(models.ReasonResponseTimeout)

	ranked := d.discover(st, registry.Filter{NearCapacity: true})
	n := st.strategy.Count
	if n > len(ranked) {
		n = len(ranked)
	}
	priority := models.BumpPriority(st.alert.PriorityLevel)
	for i := 0; i < n; i++ {
		d.notifyResponderLocked(st, ranked[i].Responder.ID, models.NotifyCrisisAlert, priority)
	}
	var trigger *models.Alert
	if n == 0 && len(st.outstanding) == 0 {
		trigger = d.takeEmergencyLocked(st)
	}
	alert := st.alert.Clone()
	batch := st.takePending()
	st.mu.Unlock()

	logger.Warn("alert escalated",
		zap.String("alert", alertID), zap.String("reason", models.ReasonResponseTimeout), zap.Int("renotified", n))
	d.emit(ctx, Event{Type: EventEscalated, Alert: alert})
	d.send(ctx, st, batch)
	d.triggerEmergency(ctx, trigger)
	d.notifyAdmins(alert, models.ReasonResponseTimeout)
}

// escalateLocked 无人可用：转为 escalated，调用方负责触发紧急响应
func (d *Dispatcher) escalateLocked(st *alertState, reason string) {
	d.cancelStaggerLocked(st)
	st.candidates = nil
	st.alert.Status = models.AlertEscalated
	st.alert.EscalationReason = reason
	st.alert.UpdatedAt = d.clock.Now()
	d.metrics.AlertEscalated(reason)
	logger.Warn("alert escalated", zap.String("alert", st.alert.ID), zap.String("reason", reason))
}

// takeEmergencyLocked 每个警报只触发一次紧急响应，返回需触发的快照
func (d *Dispatcher) takeEmergencyLocked(st *alertState) *models.Alert {
	if st.emergencySent {
		return nil
	}
	st.emergencySent = true
	a := st.alert.Clone()
	return &a
}

// TriggerEmergency 按警报触发紧急响应，与调度器自身的升级共用每警报一次的保证。
// 返回本次是否实际触发；触发失败时放开标记以便重试。
func (d *Dispatcher) TriggerEmergency(ctx context.Context, alertID string) (bool, error) {
	if d.emergency == nil {
		return false, errors.New("emergency collaborator not configured")
	}
	st, err := d.lookup(alertID)
	if err != nil {
		return false, err
	}
	st.mu.Lock()
	alert := d.takeEmergencyLocked(st)
	st.mu.Unlock()
	if alert == nil {
		return false, nil
	}
	if err := d.emergency.Trigger(ctx, *alert); err != nil {
		st.mu.Lock()
		st.emergencySent = false
		st.mu.Unlock()
		d.metrics.CollaboratorError("emergency")
		logger.Error("emergency trigger failed", zap.String("alert", alertID), zap.Error(err))
		return false, errors.CollaboratorFailure("emergency", err)
	}
	return true, nil
}

func (d *Dispatcher) triggerEmergency(ctx context.Context, alert *models.Alert) {
	if alert == nil || d.emergency == nil {
		return
	}
	if err := d.emergency.Trigger(ctx, *alert); err != nil {
		d.metrics.CollaboratorError("emergency")
		logger.Error("emergency trigger failed", zap.String("alert", alert.ID), zap.Error(err))
	}
}

func (d *Dispatcher) notifyAdmins(alert models.Alert, reason string) {
	_, err := d.bus.Broadcast(notify.AdminTopic, models.Notification{
		Type:     models.NotifyAdminEscalation,
		AlertID:  alert.ID,
		Priority: alert.PriorityLevel,
		Payload: map[string]interface{}{
			"alertId":  alert.ID,
			"userId":   alert.UserID,
			"severity": alert.Severity,
			"status":   alert.Status,
			"reason":   reason,
		},
	})
	if err != nil {
		logger.Warn("notify admins failed", zap.String("alert", alert.ID), zap.Error(err))
	}
}

func (d *Dispatcher) notifyUser(ctx context.Context, alert models.Alert, kind string, payload map[string]interface{}) {
	if alert.UserID == "" {
		return
	}
	d.bus.Send(ctx, models.Notification{
		Type:     kind,
		AlertID:  alert.ID,
		Priority: models.PriorityHigh,
		Payload:  payload,
	}, []string{notify.UserTopic(alert.UserID)})
}

// HandleResponse 处理响应者的接受或拒绝
func (d *Dispatcher) HandleResponse(ctx context.Context, alertID, responderID, action, reason string) error {
	st, err := d.lookup(alertID)
	if err != nil {
		return err
	}
	switch action {
	case ActionAccept:
		err = d.accept(ctx, st, responderID)
	case ActionDecline:
		err = d.decline(ctx, st, responderID, reason)
	default:
		return errors.InvalidTransition("alert "+alertID, "response", action)
	}
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	d.metrics.ResponderResponse(action, result)
	return err
}

func (d *Dispatcher) accept(ctx context.Context, st *alertState, responderID string) error {
	st.mu.Lock()
	if !st.open() {
		status := st.alert.Status
		st.mu.Unlock()
		return errors.AlreadyAssigned(st.alert.ID, status)
	}
	if err := d.registry.IncrementLoad(responderID); err != nil {
		st.mu.Unlock()
		return err
	}
	now := d.clock.Now()
	st.alert.Status = models.AlertAssigned
	st.alert.AssignedResponderID = responderID
	st.alert.AssignedAt = &now
	st.alert.UpdatedAt = now
	d.cancelStaggerLocked(st)
	st.candidates = nil
	notifications := append([]string(nil), st.notifications...)
	st.outstanding = make(map[string]string)
	alert := st.alert.Clone()
	st.mu.Unlock()

	// 尚在投递中的通知由 send 补确认
	for _, id := range notifications {
		if err := d.bus.Acknowledge(id, responderID); err != nil && !errors.IsCode(err, errors.CodeNotFound) {
			logger.Warn("acknowledge failed", zap.String("notification", id), zap.Error(err))
		}
	}

	d.escalation.Disarm(alert.ID)
	d.registry.Touch(responderID)
	d.metrics.AlertAssigned(alert.PriorityLevel, now.Sub(alert.CreatedAt))

	responder, _ := d.registry.Get(responderID)
	d.notifyUser(ctx, alert, models.NotifyResponderAssigned, map[string]interface{}{
		"alertId":       alert.ID,
		"responderId":   responderID,
		"responderName": responder.Name,
		"message":       d.message("responder_assigned", map[string]interface{}{"Name": responder.Name}),
	})
	logger.Info("alert assigned", zap.String("alert", alert.ID), zap.String("responder", responderID))
	d.emit(ctx, Event{Type: EventAssigned, Alert: alert, ResponderID: responderID})
	return nil
}

func (d *Dispatcher) decline(ctx context.Context, st *alertState, responderID, reason string) error {
	st.mu.Lock()
	if !st.open() {
		status := st.alert.Status
		st.mu.Unlock()
		return errors.AlreadyAssigned(st.alert.ID, status)
	}
	if !containsString(st.alert.DeclinedResponderIDs, responderID) {
		st.alert.DeclinedResponderIDs = append(st.alert.DeclinedResponderIDs, responderID)
	}
	id, wasOutstanding := st.outstanding[responderID]
	if wasOutstanding {
		d.bus.CancelFollowUp(id)
		delete(st.outstanding, responderID)
	}
	st.candidates = removeString(st.candidates, responderID)
	st.alert.UpdatedAt = d.clock.Now()

	// 未被通知过的响应者拒绝只做记录
	escalated := false
	switch {
	case !wasOutstanding:
	case len(st.candidates) > 0:
		// 跳过等待，立即通知下一位
		d.cancelStaggerLocked(st)
		if !d.notifyNextCandidateLocked(st) {
			escalated = d.rediscoverLocked(st)
		}
	default:
		escalated = d.rediscoverLocked(st)
	}
	var trigger *models.Alert
	if escalated {
		trigger = d.takeEmergencyLocked(st)
	}
	alert := st.alert.Clone()
	batch := st.takePending()
	st.mu.Unlock()

	logger.Info("alert declined",
		zap.String("alert", alert.ID), zap.String("responder", responderID), zap.String("reason", reason))
	d.emit(ctx, Event{Type: EventDeclined, Alert: alert, ResponderID: responderID, Reason: reason})

	if escalated {
		d.escalation.Disarm(alert.ID)
		d.triggerEmergency(ctx, trigger)
		d.notifyAdmins(alert, models.ReasonNoRespondersAvailable)
		d.emit(ctx, Event{Type: EventEscalated, Alert: alert})
	}
	d.send(ctx, st, batch)
	return nil
}

// rediscoverLocked 重新执行发现与通知；无人可选且无人待回应时升级，返回是否升级
func (d *Dispatcher) rediscoverLocked(st *alertState) bool {
	ranked := d.discover(st, registry.Filter{})
	if len(ranked) > 0 {
		d.applyStrategyLocked(st, ranked)
		return false
	}
	if len(st.outstanding) > 0 {
		return false
	}
	d.escalateLocked(st, models.ReasonNoRespondersAvailable)
	return true
}

// Resolve 结案：释放响应者负载，撤销定时器，通知用户与管理员
func (d *Dispatcher) Resolve(ctx context.Context, alertID, outcome, notes, by string) (models.Alert, error) {
	st, err := d.lookup(alertID)
	if err != nil {
		return models.Alert{}, err
	}
	if outcome == "" {
		outcome = models.OutcomeResolved
	}

	st.mu.Lock()
	if st.alert.Status == models.AlertResolved {
		st.mu.Unlock()
		return models.Alert{}, errors.InvalidTransition("alert "+alertID, models.AlertResolved, "resolve")
	}
	now := d.clock.Now()
	st.alert.Status = models.AlertResolved
	st.alert.ResolvedAt = &now
	st.alert.UpdatedAt = now
	st.alert.Resolution = models.Resolution{Outcome: outcome, Notes: notes, ResolvedBy: by}
	d.cancelStaggerLocked(st)
	st.candidates = nil
	for _, id := range st.outstanding {
		d.bus.CancelFollowUp(id)
	}
	st.outstanding = make(map[string]string)
	assigned := st.alert.AssignedResponderID
	alert := st.alert.Clone()
	st.mu.Unlock()

	d.escalation.Disarm(alertID)
	if assigned != "" {
		if err := d.registry.DecrementLoad(assigned); err != nil {
			logger.Warn("release responder load failed", zap.String("responder", assigned), zap.Error(err))
		}
	}
	d.metrics.AlertResolved(outcome)
	d.notifyUser(ctx, alert, models.NotifyAlertResolved, map[string]interface{}{
		"alertId": alert.ID,
		"outcome": outcome,
		"message": d.message("alert_resolved", nil),
	})
	d.notifyAdmins(alert, "resolved:"+outcome)
	logger.Info("alert resolved", zap.String("alert", alertID), zap.String("outcome", outcome))
	d.emit(ctx, Event{Type: EventResolved, Alert: alert})
	return alert, nil
}

// Rearm 显式重新布防，供工作流在风险再次升高时调用。
// 未分配的警报回到 active 并重新计时；已分配的警报改为提醒当前响应者。
func (d *Dispatcher) Rearm(ctx context.Context, alertID, severity string) error {
	st, err := d.lookup(alertID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	switch st.alert.Status {
	case models.AlertResolved:
		st.mu.Unlock()
		return errors.InvalidTransition("alert "+alertID, models.AlertResolved, "rearm")
	case models.AlertAssigned:
		if models.RiskRank(severity) > models.RiskRank(st.alert.Severity) {
			st.alert.Severity = severity
		}
		st.alert.UpdatedAt = d.clock.Now()
		d.notifyResponderLocked(st, st.alert.AssignedResponderID, models.NotifyCrisisFollowUp,
			models.BumpPriority(st.alert.PriorityLevel))
		// 已接手的响应者不算待回应
		delete(st.outstanding, st.alert.AssignedResponderID)
		st.pending[len(st.pending)-1].reminder = true
		alert := st.alert.Clone()
		batch := st.takePending()
		st.mu.Unlock()

		d.emit(ctx, Event{Type: EventRearmed, Alert: alert})
		d.send(ctx, st, batch)
		return nil
	}
	if models.RiskRank(severity) > models.RiskRank(st.alert.Severity) {
		st.alert.Severity = severity
	}
	st.alert.Status = models.AlertActive
	st.alert.EscalationReason = ""
	st.alert.UpdatedAt = d.clock.Now()
	sev := st.alert.Severity
	alert := st.alert.Clone()
	st.mu.Unlock()

	handle := d.escalation.Arm(alertID, sev)
	st.mu.Lock()
	stillActive := st.alert.Status == models.AlertActive
	st.mu.Unlock()
	if !stillActive {
		handle.Cancel()
	}
	d.emit(ctx, Event{Type: EventRearmed, Alert: alert})
	return nil
}

// SweepStale 强制结案长时间无活动的警报，并清理保留期已过的已结案警报
func (d *Dispatcher) SweepStale(ctx context.Context, now time.Time) int {
	d.mu.RLock()
	states := make([]*alertState, 0, len(d.alerts))
	for _, st := range d.alerts {
		states = append(states, st)
	}
	d.mu.RUnlock()

	var stale, purge []string
	for _, st := range states {
		st.mu.Lock()
		switch {
		case st.alert.Status != models.AlertResolved && now.Sub(st.alert.UpdatedAt) >= d.cfg.StaleAfter:
			stale = append(stale, st.alert.ID)
		case st.alert.Status == models.AlertResolved && st.alert.ResolvedAt != nil && now.Sub(*st.alert.ResolvedAt) >= d.cfg.Retention:
			purge = append(purge, st.alert.ID)
		}
		st.mu.Unlock()
	}

	closed := 0
	for _, id := range stale {
		if _, err := d.Resolve(ctx, id, models.OutcomeTimeout, "no activity", "system"); err == nil {
			closed++
		}
	}
	if len(purge) > 0 {
		d.mu.Lock()
		for _, id := range purge {
			delete(d.alerts, id)
		}
		d.mu.Unlock()
	}
	return closed
}

// Touch 记录警报上的活动，推迟超时结案
func (d *Dispatcher) Touch(alertID string) {
	st, err := d.lookup(alertID)
	if err != nil {
		return
	}
	st.mu.Lock()
	st.alert.UpdatedAt = d.clock.Now()
	st.mu.Unlock()
}

// Get 返回警报快照
func (d *Dispatcher) Get(alertID string) (models.Alert, error) {
	st, err := d.lookup(alertID)
	if err != nil {
		return models.Alert{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.alert.Clone(), nil
}

// Outstanding 返回仍在等待回应的响应者，按 ID 排序
func (d *Dispatcher) Outstanding(alertID string) []string {
	st, err := d.lookup(alertID)
	if err != nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(st.outstanding))
	for id := range st.outstanding {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ActiveCount 未结案的警报数量
func (d *Dispatcher) ActiveCount() int {
	d.mu.RLock()
	states := make([]*alertState, 0, len(d.alerts))
	for _, st := range d.alerts {
		states = append(states, st)
	}
	d.mu.RUnlock()

	n := 0
	for _, st := range states {
		st.mu.Lock()
		if st.alert.Status != models.AlertResolved {
			n++
		}
		st.mu.Unlock()
	}
	return n
}

// OpenAlertsForUser 返回该用户未结案的警报
func (d *Dispatcher) OpenAlertsForUser(userID string) []models.Alert {
	d.mu.RLock()
	states := make([]*alertState, 0)
	for _, st := range d.alerts {
		states = append(states, st)
	}
	d.mu.RUnlock()

	var out []models.Alert
	for _, st := range states {
		st.mu.Lock()
		if st.alert.UserID == userID && st.alert.Status != models.AlertResolved {
			out = append(out, st.alert.Clone())
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
