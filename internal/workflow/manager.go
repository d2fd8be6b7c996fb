// Package workflow 为每个警报运行分阶段的安全响应流程：评估、执行、监控、结束。
package workflow

import (
	"context"
	"sync"
	"time"

	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/pkg/errors"
	"HibiscusCrisis/pkg/logger"
	"HibiscusCrisis/pkg/metrics"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 工作流事件类型
const (
	EventStarted            = "workflow_started"
	EventAssessed           = "assessment_completed"
	EventProtocolUpgraded   = "protocol_upgraded"
	EventEmergencyTriggered = "emergency_triggered"
	EventActionCompleted    = "action_completed"
	EventActionFailed       = "action_failed"
	EventMonitoring         = "monitoring_started"
	EventProtocolEscalated  = "protocol_escalated"
	EventRearmFailed        = "rearm_failed"
	EventAlertAttached      = "alert_attached"
	EventCheckIn            = "check_in_sent"
	EventIncidentDocumented = "incident_documented"
	EventCompleted          = "workflow_completed"
)

const recentEventCount = 10

// Dispatcher 工作流需要的调度器能力
type Dispatcher interface {
	Get(alertID string) (models.Alert, error)
	Rearm(ctx context.Context, alertID, severity string) error
}

// Messenger 向用户或响应者发送消息
type Messenger interface {
	Send(ctx context.Context, n models.Notification, recipients []string) models.DeliveryReceipt
}

// Emergency 外部紧急响应
type Emergency interface {
	Trigger(ctx context.Context, alert models.Alert) error
}

// EmergencyGate 由调度器实现时，工作流经它触发紧急响应，与无人可用的升级共用每警报一次的保证
type EmergencyGate interface {
	TriggerEmergency(ctx context.Context, alertID string) (bool, error)
}

// ActivitySource 监控阶段轮询用户在 since 之后最严重的一次分析结果
type ActivitySource interface {
	MostSevere(userID string, since time.Time) (models.CrisisAnalysis, bool)
}

// Observer 按注册顺序接收工作流事件
type Observer interface {
	Name() string
	OnWorkflowEvent(ctx context.Context, wf models.SafetyWorkflow, ev models.WorkflowEvent) error
}

// ObserverFunc 函数形式的 Observer
type ObserverFunc struct {
	ID string
	Fn func(ctx context.Context, wf models.SafetyWorkflow, ev models.WorkflowEvent) error
}

func (o ObserverFunc) Name() string { return o.ID }

func (o ObserverFunc) OnWorkflowEvent(ctx context.Context, wf models.SafetyWorkflow, ev models.WorkflowEvent) error {
	return o.Fn(ctx, wf, ev)
}

// MessageFunc 生成面向用户的文案
type MessageFunc func(id string, data map[string]interface{}) string

type Config struct {
	// 非紧急流程两个动作之间的间隔
	ActionDelay time.Duration
	// 监控阶段轮询间隔
	MonitorInterval time.Duration
	// 工作流最长存活时间，超过按 timeout 结束
	MaxDuration time.Duration
	// schedule_check_in 的回访延迟
	CheckInDelay time.Duration
	// 已结束工作流在内存中的保留时间
	Retention time.Duration
	// 保留的最近事件数
	EventLimit int
}

func DefaultConfig() Config {
	return Config{
		ActionDelay:     5 * time.Second,
		MonitorInterval: 5 * time.Minute,
		MaxDuration:     2 * time.Hour,
		CheckInDelay:    30 * time.Minute,
		Retention:       2 * time.Hour,
		EventLimit:      50,
	}
}

// Status 工作流状态摘要
type Status struct {
	WorkflowID           string                 `json:"workflowId"`
	AlertID              string                 `json:"alertId"`
	Phase                string                 `json:"phase"`
	SafetyLevel          string                 `json:"safetyLevel"`
	Protocol             string                 `json:"protocol"`
	CompletedActionCount int                    `json:"completedActionCount"`
	EscalationCount      int                    `json:"escalationCount"`
	CompletionReason     string                 `json:"completionReason,omitempty"`
	RecentEvents         []models.WorkflowEvent `json:"recentEvents"`
}

type run struct {
	mu            sync.Mutex
	wf            models.SafetyWorkflow
	analysis      models.CrisisAnalysis
	env           Environment
	protocol      Protocol
	emergencySent bool
	lastPoll      time.Time

	ctx        context.Context
	cancel     context.CancelFunc
	ceiling    *clock.Timer
	checkIn    *clock.Timer
	checkInSeq uint64
	done       chan struct{}
}

// Manager 管理全部工作流
type Manager struct {
	cfg        Config
	clock      clock.Clock
	dispatcher Dispatcher
	messenger  Messenger
	emergency  Emergency
	activity   ActivitySource
	metrics    *metrics.Metrics
	message    MessageFunc

	mu        sync.RWMutex
	runs      map[string]*run
	byAlert   map[string]string
	actions   map[string]ActionFunc
	observers []Observer
}

type Option func(*Manager)

func WithEmergency(e Emergency) Option       { return func(m *Manager) { m.emergency = e } }
func WithActivity(a ActivitySource) Option   { return func(m *Manager) { m.activity = a } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }
func WithMessages(fn MessageFunc) Option     { return func(m *Manager) { m.message = fn } }
func WithObservers(obs ...Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, obs...) }
}
func WithAction(name string, fn ActionFunc) Option { return func(m *Manager) { m.actions[name] = fn } }

func NewManager(cfg Config, clk clock.Clock, dispatcher Dispatcher, messenger Messenger, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = def.MonitorInterval
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.CheckInDelay <= 0 {
		cfg.CheckInDelay = def.CheckInDelay
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.EventLimit <= 0 {
		cfg.EventLimit = def.EventLimit
	}
	if clk == nil {
		clk = clock.New()
	}
	m := &Manager{
		cfg:        cfg,
		clock:      clk,
		dispatcher: dispatcher,
		messenger:  messenger,
		runs:       make(map[string]*run),
		byAlert:    make(map[string]string),
		actions:    make(map[string]ActionFunc),
		message:    func(id string, _ map[string]interface{}) string { return id },
	}
	m.registerBuiltins()
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe 追加观察者
func (m *Manager) Subscribe(obs ...Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, obs...)
	m.mu.Unlock()
}

// Plan 选择协议并用安全评估校正：只有 critical 安全等级会把协议升级为 immediate_safety
func Plan(a models.CrisisAnalysis, env Environment) (Protocol, models.SafetyAssessment, bool) {
	selected := SelectProtocol(a)
	assessment := Assess(a, env)
	if assessment.SafetyLevel == models.SafetyCritical && selected.Name != models.ProtocolImmediateSafety {
		p, _ := ProtocolByName(models.ProtocolImmediateSafety)
		return p, assessment, true
	}
	return selected, assessment, false
}

// Start 为警报启动工作流；同一警报同时只能有一个未结束的工作流
func (m *Manager) Start(ctx context.Context, alert models.Alert, analysis models.CrisisAnalysis, env Environment) (models.SafetyWorkflow, error) {
	env = env.Merge(EnvironmentFromAnalysis(analysis))
	now := m.clock.Now()

	m.mu.Lock()
	if existing, ok := m.byAlert[alert.ID]; ok {
		m.mu.Unlock()
		return models.SafetyWorkflow{}, errors.InvalidTransition("alert "+alert.ID, "workflow "+existing, "start workflow")
	}
	r := &run{
		wf: models.SafetyWorkflow{
			ID:        uuid.NewString(),
			AlertID:   alert.ID,
			UserID:    alert.UserID,
			SessionID: alert.SessionID,
			Phase:     models.PhaseAssessment,
			StartedAt: now,
		},
		analysis: analysis,
		env:      env,
		lastPoll: now,
		done:     make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	m.runs[r.wf.ID] = r
	m.byAlert[alert.ID] = r.wf.ID
	m.mu.Unlock()

	protocol, assessment, upgraded := Plan(analysis, env)

	r.mu.Lock()
	var events []models.WorkflowEvent
	events = append(events, m.eventLocked(r, EventStarted, alert.ID))
	r.wf.Assessment = assessment
	events = append(events, m.eventLocked(r, EventAssessed, assessment.SafetyLevel))
	if upgraded {
		events = append(events, m.eventLocked(r, EventProtocolUpgraded, SelectProtocol(analysis).Name+"->"+protocol.Name))
	}
	r.protocol = protocol
	r.wf.Protocol = protocol.Name
	trigger := assessment.SafetyLevel == models.SafetyCritical
	if trigger {
		r.emergencySent = true
	}
	r.wf.Phase = models.PhaseExecuting
	id := r.wf.ID
	r.ceiling = m.clock.AfterFunc(m.cfg.MaxDuration, func() { m.expire(id) })
	snap := r.wf.Clone()
	r.mu.Unlock()

	m.metrics.WorkflowStarted()
	logger.Info("safety workflow started",
		zap.String("workflow", id),
		zap.String("alert", alert.ID),
		zap.String("protocol", protocol.Name),
		zap.String("safetyLevel", assessment.SafetyLevel))
	for _, ev := range events {
		m.emit(ctx, snap, ev)
	}

	if trigger {
		detail := "triggered"
		fired, err := m.triggerEmergency(ctx, alert)
		switch {
		case err != nil:
			detail = err.Error()
		case !fired:
			detail = "already triggered"
		}
		m.record(ctx, r, EventEmergencyTriggered, detail)
	}

	go m.loop(r)
	return snap, nil
}

// triggerEmergency 返回本次是否实际触发
func (m *Manager) triggerEmergency(ctx context.Context, alert models.Alert) (bool, error) {
	if g, ok := m.dispatcher.(EmergencyGate); ok {
		return g.TriggerEmergency(ctx, alert.ID)
	}
	if m.emergency == nil {
		return false, errors.New("emergency collaborator not configured")
	}
	if err := m.emergency.Trigger(ctx, alert); err != nil {
		m.metrics.CollaboratorError("emergency")
		logger.Error("emergency trigger failed", zap.String("alert", alert.ID), zap.Error(err))
		return false, errors.CollaboratorFailure("emergency", err)
	}
	return true, nil
}

// eventLocked 追加事件并裁剪，调用方持有 r.mu
func (m *Manager) eventLocked(r *run, kind, detail string) models.WorkflowEvent {
	ev := models.WorkflowEvent{Type: kind, At: m.clock.Now(), Detail: detail}
	r.wf.Events = append(r.wf.Events, ev)
	if over := len(r.wf.Events) - m.cfg.EventLimit; over > 0 {
		r.wf.Events = append([]models.WorkflowEvent(nil), r.wf.Events[over:]...)
	}
	return ev
}

// record 追加事件并通知观察者，已结束的工作流不再记录
func (m *Manager) record(ctx context.Context, r *run, kind, detail string) {
	r.mu.Lock()
	if r.wf.Terminal() {
		r.mu.Unlock()
		return
	}
	ev := m.eventLocked(r, kind, detail)
	snap := r.wf.Clone()
	r.mu.Unlock()
	m.emit(ctx, snap, ev)
}

func (m *Manager) emit(ctx context.Context, wf models.SafetyWorkflow, ev models.WorkflowEvent) {
	m.mu.RLock()
	obs := append([]Observer(nil), m.observers...)
	m.mu.RUnlock()
	for _, o := range obs {
		if err := o.OnWorkflowEvent(ctx, wf, ev); err != nil {
			logger.Warn("workflow observer failed",
				zap.String("observer", o.Name()),
				zap.String("workflow", wf.ID),
				zap.String("event", ev.Type),
				zap.Error(err))
		}
	}
}

func (m *Manager) loop(r *run) {
	defer close(r.done)
	for {
		if !m.execute(r) {
			return
		}
		if !m.monitor(r) {
			return
		}
	}
}

// execute 按顺序执行当前协议的全部动作，失败只记录不中断
func (m *Manager) execute(r *run) bool {
	r.mu.Lock()
	if r.wf.Terminal() {
		r.mu.Unlock()
		return false
	}
	r.wf.Phase = models.PhaseExecuting
	r.wf.CompletedActions = 0
	actions := append([]string(nil), r.protocol.Actions...)
	r.mu.Unlock()

	for i, name := range actions {
		if i > 0 && !m.pause(r) {
			return false
		}
		ac, ok := m.actionContext(r)
		if !ok {
			return false
		}
		detail, err := m.runAction(r.ctx, name, ac)

		r.mu.Lock()
		if r.wf.Terminal() {
			r.mu.Unlock()
			return false
		}
		rec := models.ActionRecord{Action: name, At: m.clock.Now(), Outcome: "completed", Detail: detail}
		kind := EventActionCompleted
		if err != nil {
			rec.Outcome = "failed"
			rec.Detail = err.Error()
			kind = EventActionFailed
		} else {
			r.wf.CompletedActions++
		}
		r.wf.Log = append(r.wf.Log, rec)
		ev := m.eventLocked(r, kind, name)
		snap := r.wf.Clone()
		r.mu.Unlock()

		m.metrics.WorkflowAction(name, rec.Outcome)
		if err != nil {
			logger.Warn("workflow action failed",
				zap.String("workflow", snap.ID),
				zap.String("action", name),
				zap.Error(err))
		}
		m.emit(r.ctx, snap, ev)
	}

	r.mu.Lock()
	if r.wf.Terminal() {
		r.mu.Unlock()
		return false
	}
	r.wf.Phase = models.PhaseMonitoring
	r.lastPoll = m.clock.Now()
	ev := m.eventLocked(r, EventMonitoring, r.protocol.Name)
	snap := r.wf.Clone()
	r.mu.Unlock()
	m.emit(r.ctx, snap, ev)
	return true
}

// pause 非紧急流程在动作之间等待 ActionDelay
func (m *Manager) pause(r *run) bool {
	r.mu.Lock()
	critical := r.wf.Assessment.SafetyLevel == models.SafetyCritical
	r.mu.Unlock()
	if critical || m.cfg.ActionDelay <= 0 {
		return r.ctx.Err() == nil
	}
	t := m.clock.Timer(m.cfg.ActionDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// monitor 周期性检查用户近况，出现新的危险信号时返回 true 重新进入执行阶段
func (m *Manager) monitor(r *run) bool {
	ticker := m.clock.Ticker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return false
		case <-ticker.C:
		}
		if m.poll(r) {
			return true
		}
	}
}

func (m *Manager) poll(r *run) bool {
	if m.activity == nil {
		return false
	}
	r.mu.Lock()
	if r.wf.Terminal() {
		r.mu.Unlock()
		return false
	}
	since, userID := r.lastPoll, r.wf.UserID
	r.mu.Unlock()

	a, ok := m.activity.MostSevere(userID, since)
	now := m.clock.Now()

	r.mu.Lock()
	r.lastPoll = now
	if !ok || r.wf.Terminal() {
		r.mu.Unlock()
		return false
	}
	selected := SelectProtocol(a)
	if selected.Rank >= r.protocol.Rank && models.RiskRank(a.RiskLevel) < models.RiskRank(models.RiskHigh) {
		r.mu.Unlock()
		return false
	}
	next := selected
	if target, ok := ProtocolByName(r.protocol.EscalationTarget); ok {
		next = MoreUrgent(target, selected)
	}
	next = MoreUrgent(next, r.protocol)
	assessment := Assess(a, r.env.Merge(EnvironmentFromAnalysis(a)))
	if assessment.SafetyLevel == models.SafetyCritical {
		p, _ := ProtocolByName(models.ProtocolImmediateSafety)
		next = p
	}
	from := r.protocol.Name
	r.protocol = next
	r.analysis = a
	r.wf.Protocol = next.Name
	r.wf.Assessment = assessment
	r.wf.EscalationCount++
	r.wf.Phase = models.PhaseExecuting
	ev := m.eventLocked(r, EventProtocolEscalated, from+"->"+next.Name)
	alertID := r.wf.AlertID
	snap := r.wf.Clone()
	r.mu.Unlock()

	logger.Info("safety workflow escalated",
		zap.String("workflow", snap.ID),
		zap.String("from", from),
		zap.String("to", next.Name))
	m.emit(r.ctx, snap, ev)

	if m.dispatcher != nil {
		if err := m.dispatcher.Rearm(r.ctx, alertID, a.RiskLevel); err != nil {
			logger.Warn("rearm alert failed", zap.String("alert", alertID), zap.Error(err))
			m.record(r.ctx, r, EventRearmFailed, err.Error())
		}
	}
	return true
}

func (m *Manager) lookup(id string) (*run, error) {
	m.mu.RLock()
	r, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound("workflow", id)
	}
	return r, nil
}

// Complete 结束工作流；重复结束返回 InvalidTransition
func (m *Manager) Complete(ctx context.Context, id, reason string) (models.SafetyWorkflow, error) {
	r, err := m.lookup(id)
	if err != nil {
		return models.SafetyWorkflow{}, err
	}

	r.mu.Lock()
	if r.wf.Terminal() {
		snap := r.wf.Clone()
		r.mu.Unlock()
		return snap, errors.InvalidTransition("workflow "+id, models.PhaseCompleted, "complete")
	}
	now := m.clock.Now()
	ev := m.eventLocked(r, EventCompleted, reason)
	r.wf.Phase = models.PhaseCompleted
	r.wf.CompletionReason = reason
	r.wf.EndedAt = &now
	if r.ceiling != nil {
		r.ceiling.Stop()
	}
	if r.checkIn != nil {
		r.checkIn.Stop()
	}
	r.checkInSeq++
	r.cancel()
	alertID := r.wf.AlertID
	snap := r.wf.Clone()
	r.mu.Unlock()

	m.mu.Lock()
	if m.byAlert[alertID] == id {
		delete(m.byAlert, alertID)
	}
	m.mu.Unlock()

	m.metrics.WorkflowCompleted(reason)
	logger.Info("safety workflow completed", zap.String("workflow", id), zap.String("reason", reason))
	m.emit(ctx, snap, ev)
	return snap, nil
}

func (m *Manager) expire(id string) {
	if _, err := m.Complete(context.Background(), id, models.CompletionTimeout); err != nil &&
		!errors.IsCode(err, errors.CodeInvalidTransition) {
		logger.Warn("expire workflow failed", zap.String("workflow", id), zap.Error(err))
	}
}

// Attach 把事件附加到未结束的工作流
func (m *Manager) Attach(ctx context.Context, id, kind, detail string) error {
	r, err := m.lookup(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.wf.Terminal() {
		r.mu.Unlock()
		return errors.InvalidTransition("workflow "+id, models.PhaseCompleted, "attach "+kind)
	}
	ev := m.eventLocked(r, kind, detail)
	snap := r.wf.Clone()
	r.mu.Unlock()
	m.emit(ctx, snap, ev)
	return nil
}

// Get 返回快照
func (m *Manager) Get(id string) (models.SafetyWorkflow, error) {
	r, err := m.lookup(id)
	if err != nil {
		return models.SafetyWorkflow{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wf.Clone(), nil
}

// Status 状态摘要
func (m *Manager) Status(id string) (Status, error) {
	wf, err := m.Get(id)
	if err != nil {
		return Status{}, err
	}
	events := wf.Events
	if len(events) > recentEventCount {
		events = events[len(events)-recentEventCount:]
	}
	return Status{
		WorkflowID:           wf.ID,
		AlertID:              wf.AlertID,
		Phase:                wf.Phase,
		SafetyLevel:          wf.Assessment.SafetyLevel,
		Protocol:             wf.Protocol,
		CompletedActionCount: wf.CompletedActions,
		EscalationCount:      wf.EscalationCount,
		CompletionReason:     wf.CompletionReason,
		RecentEvents:         events,
	}, nil
}

// ForAlert 返回警报当前未结束的工作流
func (m *Manager) ForAlert(alertID string) (models.SafetyWorkflow, bool) {
	m.mu.RLock()
	id, ok := m.byAlert[alertID]
	m.mu.RUnlock()
	if !ok {
		return models.SafetyWorkflow{}, false
	}
	wf, err := m.Get(id)
	if err != nil || wf.Terminal() {
		return models.SafetyWorkflow{}, false
	}
	return wf, true
}

// ActiveForUser 用户名下未结束的工作流
func (m *Manager) ActiveForUser(userID string) []models.SafetyWorkflow {
	m.mu.RLock()
	ids := make([]string, 0, len(m.byAlert))
	for _, id := range m.byAlert {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var out []models.SafetyWorkflow
	for _, id := range ids {
		wf, err := m.Get(id)
		if err != nil || wf.Terminal() || wf.UserID != userID {
			continue
		}
		out = append(out, wf)
	}
	return out
}

// ActiveCount 未结束的工作流数量
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byAlert)
}

// Prune 清理保留期已过的已结束工作流
func (m *Manager) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.runs {
		r.mu.Lock()
		expired := r.wf.Terminal() && r.wf.EndedAt != nil && now.Sub(*r.wf.EndedAt) >= m.cfg.Retention
		r.mu.Unlock()
		if expired {
			delete(m.runs, id)
			n++
		}
	}
	return n
}

// Shutdown 停止所有工作流协程，不改变其阶段
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.RUnlock()

	for _, r := range runs {
		r.mu.Lock()
		if r.ceiling != nil {
			r.ceiling.Stop()
		}
		if r.checkIn != nil {
			r.checkIn.Stop()
		}
		r.checkInSeq++
		r.mu.Unlock()
		r.cancel()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
