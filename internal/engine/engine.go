// Package engine 组装响应者目录、通知总线、调度器与安全工作流，对外提供统一入口。
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"HibiscusCrisis/internal/dispatch"
	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/internal/notify"
	"HibiscusCrisis/internal/registry"
	"HibiscusCrisis/internal/workflow"
	"HibiscusCrisis/pkg/errors"
	"HibiscusCrisis/pkg/logger"
	"HibiscusCrisis/pkg/metrics"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Classifier 危机内容分类器
type Classifier interface {
	Classify(ctx context.Context, text string, history []string) (models.CrisisAnalysis, error)
}

// Emergency 外部紧急响应
type Emergency interface {
	Trigger(ctx context.Context, alert models.Alert) error
}

type Config struct {
	Dispatch dispatch.Config
	Workflow workflow.Config
	Bus      notify.Config
	// 消息去重窗口大小
	DedupeSize int
	// 最近分析结果缓存的用户数
	ActivitySize int
	// 响应者无活动多久后置为离线
	IdleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		Dispatch:     dispatch.DefaultConfig(),
		Workflow:     workflow.DefaultConfig(),
		Bus:          notify.DefaultConfig(),
		DedupeSize:   10000,
		ActivitySize: 4096,
		IdleAfter:    30 * time.Minute,
	}
}

// MessageInput 一条待分析的用户消息
type MessageInput struct {
	UserID      string               `json:"userId" binding:"required"`
	SessionID   string               `json:"sessionId"`
	MessageID   string               `json:"messageId"`
	Text        string               `json:"text" binding:"required"`
	History     []string             `json:"history"`
	Environment workflow.Environment `json:"environment"`
}

// Outcome 一次派发及其工作流处理结果
type Outcome struct {
	dispatch.DispatchResult
	WorkflowID string `json:"workflowId,omitempty"`
	// 被本次警报取代的工作流
	Superseded []string `json:"superseded,omitempty"`
	// 是否只是附加到已有工作流
	Attached bool `json:"attached"`
}

// ProcessResult 消息处理结果
type ProcessResult struct {
	Analysis   models.CrisisAnalysis `json:"analysis"`
	Duplicate  bool                  `json:"duplicate"`
	Dispatched bool                  `json:"dispatched"`
	Outcome    *Outcome              `json:"outcome,omitempty"`
}

// SystemStatus 系统概况
type SystemStatus struct {
	TotalResponders     int `json:"totalResponders"`
	AvailableResponders int `json:"availableResponders"`
	OnlineResponders    int `json:"onlineResponders"`
	ActiveAlertCount    int `json:"activeAlertCount"`
	ActiveWorkflowCount int `json:"activeWorkflowCount"`
	Load                int `json:"load"`
	Capacity            int `json:"capacity"`
}

type Engine struct {
	cfg        Config
	clock      clock.Clock
	registry   *registry.Registry
	bus        *notify.Bus
	dispatcher *dispatch.Dispatcher
	workflows  *workflow.Manager
	classifier Classifier
	transport  notify.Transport
	metrics    *metrics.Metrics

	seen       *lru.Cache[string, struct{}]
	activityMu sync.Mutex
	activity   *lru.Cache[string, []activity]
}

type options struct {
	emergency         Emergency
	pusher            notify.Pusher
	sms               notify.SMSSender
	metrics           *metrics.Metrics
	messages          func(id string, data map[string]interface{}) string
	dispatchObservers []dispatch.Observer
	workflowObservers []workflow.Observer
}

type Option func(*options)

func WithEmergency(e Emergency) Option      { return func(o *options) { o.emergency = e } }
func WithPusher(p notify.Pusher) Option     { return func(o *options) { o.pusher = p } }
func WithSMS(s notify.SMSSender) Option     { return func(o *options) { o.sms = s } }
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }
func WithDispatchObservers(obs ...dispatch.Observer) Option {
	return func(o *options) { o.dispatchObservers = append(o.dispatchObservers, obs...) }
}
func WithWorkflowObservers(obs ...workflow.Observer) Option {
	return func(o *options) { o.workflowObservers = append(o.workflowObservers, obs...) }
}

// WithMessages 注入本地化文案
func WithMessages(fn func(id string, data map[string]interface{}) string) Option {
	return func(o *options) { o.messages = fn }
}

func New(cfg Config, clk clock.Clock, transport notify.Transport, classifier Classifier, opts ...Option) (*Engine, error) {
	def := DefaultConfig()
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = def.DedupeSize
	}
	if cfg.ActivitySize <= 0 {
		cfg.ActivitySize = def.ActivitySize
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	if clk == nil {
		clk = clock.New()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	seen, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, errors.Wrap(err, "create dedupe cache")
	}
	recent, err := lru.New[string, []activity](cfg.ActivitySize)
	if err != nil {
		return nil, errors.Wrap(err, "create activity cache")
	}

	e := &Engine{
		cfg:        cfg,
		clock:      clk,
		registry:   registry.New(clk),
		classifier: classifier,
		transport:  transport,
		metrics:    o.metrics,
		seen:       seen,
		activity:   recent,
	}

	busOpts := []notify.Option{notify.WithDirectory(directory{reg: e.registry}), notify.WithMetrics(o.metrics)}
	if o.pusher != nil {
		busOpts = append(busOpts, notify.WithPusher(o.pusher))
	}
	if o.sms != nil {
		busOpts = append(busOpts, notify.WithSMS(o.sms))
	}
	e.bus = notify.New(cfg.Bus, clk, transport, busOpts...)

	dOpts := []dispatch.Option{dispatch.WithMetrics(o.metrics)}
	wOpts := []workflow.Option{workflow.WithMetrics(o.metrics), workflow.WithActivity(e)}
	if o.emergency != nil {
		// 工作流经调度器的 TriggerEmergency 触发，两边共用每警报一次的保证
		dOpts = append(dOpts, dispatch.WithEmergency(o.emergency))
	}
	if o.messages != nil {
		dOpts = append(dOpts, dispatch.WithMessages(o.messages))
		wOpts = append(wOpts, workflow.WithMessages(o.messages))
	}
	e.dispatcher = dispatch.New(cfg.Dispatch, clk, e.registry, e.bus, dOpts...)
	e.workflows = workflow.NewManager(cfg.Workflow, clk, e.dispatcher, e.bus, wOpts...)

	// 警报结案时先结束对应的工作流，再交给其余观察者
	e.dispatcher.Subscribe(dispatch.ObserverFunc{ID: "workflow", Fn: e.onAlertEvent})
	e.dispatcher.Subscribe(o.dispatchObservers...)
	e.workflows.Subscribe(o.workflowObservers...)
	return e, nil
}

func (e *Engine) Registry() *registry.Registry     { return e.registry }
func (e *Engine) Bus() *notify.Bus                 { return e.bus }
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }
func (e *Engine) Workflows() *workflow.Manager     { return e.workflows }

func (e *Engine) onAlertEvent(ctx context.Context, ev dispatch.Event) error {
	if ev.Type != dispatch.EventResolved {
		return nil
	}
	wf, ok := e.workflows.ForAlert(ev.Alert.ID)
	if !ok {
		return nil
	}
	reason := models.CompletionResolved
	if ev.Alert.Resolution.Outcome == models.OutcomeTimeout {
		reason = models.CompletionTimeout
	}
	_, err := e.workflows.Complete(ctx, wf.ID, reason)
	if errors.IsCode(err, errors.CodeInvalidTransition) {
		return nil
	}
	return err
}

// Dispatch 为一次分析结果创建警报并启动或合并安全工作流
func (e *Engine) Dispatch(ctx context.Context, analysis models.CrisisAnalysis, subject models.Subject) (Outcome, error) {
	return e.dispatch(ctx, analysis, subject, workflow.Environment{})
}

func (e *Engine) dispatch(ctx context.Context, analysis models.CrisisAnalysis, subject models.Subject, env workflow.Environment) (Outcome, error) {
	res, err := e.dispatcher.Dispatch(ctx, analysis, subject)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{DispatchResult: res}
	if subject.UserID == "" {
		return out, nil
	}

	env = env.Merge(workflow.EnvironmentFromAnalysis(analysis))
	protocol, _, _ := workflow.Plan(analysis, env)

	var current *models.SafetyWorkflow
	existing := e.workflows.ActiveForUser(subject.UserID)
	for i := range existing {
		if current == nil || protocolRank(existing[i].Protocol) < protocolRank(current.Protocol) {
			current = &existing[i]
		}
	}

	if current != nil && protocol.Rank >= protocolRank(current.Protocol) {
		if err := e.workflows.Attach(ctx, current.ID, workflow.EventAlertAttached, res.AlertID); err == nil {
			out.WorkflowID = current.ID
			out.Attached = true
			return out, nil
		}
	}
	for _, wf := range existing {
		if _, err := e.workflows.Complete(ctx, wf.ID, models.CompletionSuperseded); err == nil {
			out.Superseded = append(out.Superseded, wf.ID)
		}
	}

	wf, err := e.workflows.Start(ctx, res.Alert, analysis, env)
	if err != nil {
		logger.Error("start safety workflow failed", zap.String("alert", res.AlertID), zap.Error(err))
		return out, nil
	}
	out.WorkflowID = wf.ID
	return out, nil
}

func protocolRank(name string) int {
	if p, ok := workflow.ProtocolByName(name); ok {
		return p.Rank
	}
	return len(workflow.Protocols()) + 1
}

// ProcessMessage 分类一条用户消息，需要立即关注时派发警报
func (e *Engine) ProcessMessage(ctx context.Context, in MessageInput) (ProcessResult, error) {
	key := ""
	if in.MessageID != "" {
		key = in.UserID + "/" + in.MessageID
		if found, _ := e.seen.ContainsOrAdd(key, struct{}{}); found {
			return ProcessResult{Duplicate: true}, nil
		}
	}

	analysis, err := e.classifier.Classify(ctx, in.Text, in.History)
	if err != nil {
		if key != "" {
			e.seen.Remove(key)
		}
		e.metrics.CollaboratorError("classifier")
		logger.Warn("classify message failed", zap.String("user", in.UserID), zap.Error(err))
		return ProcessResult{}, errors.CollaboratorFailure("classifier", err)
	}

	e.record(in.UserID, analysis)
	for _, a := range e.dispatcher.OpenAlertsForUser(in.UserID) {
		e.dispatcher.Touch(a.ID)
	}

	result := ProcessResult{Analysis: analysis}
	if !analysis.RequiresImmediateAttention {
		return result, nil
	}
	out, err := e.dispatch(ctx, analysis, models.Subject{
		UserID:    in.UserID,
		SessionID: in.SessionID,
		MessageID: in.MessageID,
	}, in.Environment)
	if err != nil {
		return result, err
	}
	result.Dispatched = true
	result.Outcome = &out
	return result, nil
}

// HandleResponderResponse 响应者接受或拒绝警报
func (e *Engine) HandleResponderResponse(ctx context.Context, alertID, responderID, action, reason string) error {
	err := e.dispatcher.HandleResponse(ctx, alertID, responderID, strings.ToLower(action), reason)
	if err == nil {
		e.registry.Touch(responderID)
	}
	return err
}

// ResolveAlert 结案，对应的工作流随之结束
func (e *Engine) ResolveAlert(ctx context.Context, alertID, outcome, notes, by string) (models.Alert, error) {
	if outcome == "" {
		outcome = models.OutcomeResolved
	}
	return e.dispatcher.Resolve(ctx, alertID, outcome, notes, by)
}

// UpdateResponderAvailability 更新在线状态，上线时补发离线期间的通知
func (e *Engine) UpdateResponderAvailability(ctx context.Context, responderID string, online bool) (int, error) {
	if err := e.registry.SetAvailability(responderID, online); err != nil {
		return 0, err
	}
	if !online {
		return 0, nil
	}
	return e.bus.Flush(notify.ResponderTopic(responderID)), nil
}

// ResponderDisconnected 响应者的实时连接全部断开时置为离线；已重新连上则忽略
func (e *Engine) ResponderDisconnected(ctx context.Context, responderID string) error {
	if e.transport.IsOnline(notify.ResponderTopic(responderID)) {
		return nil
	}
	_, err := e.UpdateResponderAvailability(ctx, responderID, false)
	return err
}

// RegisterResponder 新增或更新响应者资料
func (e *Engine) RegisterResponder(p models.ResponderProfile) (models.ResponderProfile, error) {
	if strings.TrimSpace(p.ID) == "" {
		return models.ResponderProfile{}, errors.InvalidParameter("responder id is required")
	}
	if p.MaxCapacity <= 0 {
		return models.ResponderProfile{}, errors.InvalidParameter("max capacity must be positive")
	}
	return e.registry.Upsert(p), nil
}

// AcknowledgeNotification 确认通知，阻止后续跟进提醒
func (e *Engine) AcknowledgeNotification(notificationID, responderID string) error {
	if err := e.bus.Acknowledge(notificationID, responderID); err != nil {
		return err
	}
	e.registry.Touch(responderID)
	return nil
}

func (e *Engine) GetWorkflowStatus(id string) (workflow.Status, error) {
	return e.workflows.Status(id)
}

func (e *Engine) CompleteWorkflow(ctx context.Context, id, reason string) (models.SafetyWorkflow, error) {
	if reason == "" {
		reason = models.CompletionResolved
	}
	return e.workflows.Complete(ctx, id, reason)
}

func (e *Engine) GetAlert(id string) (models.Alert, error) {
	return e.dispatcher.Get(id)
}

func (e *Engine) GetSystemStatus() SystemStatus {
	s := e.registry.Stats()
	return SystemStatus{
		TotalResponders:     s.Total,
		AvailableResponders: s.Available,
		OnlineResponders:    s.Online,
		ActiveAlertCount:    e.dispatcher.ActiveCount(),
		ActiveWorkflowCount: e.workflows.ActiveCount(),
		Load:                s.Load,
		Capacity:            s.Capacity,
	}
}

// HousekeepingReport 一次例行清理的结果
type HousekeepingReport struct {
	StaleAlerts     int      `json:"staleAlerts"`
	SweptQueued     int      `json:"sweptQueued"`
	PrunedWorkflows int      `json:"prunedWorkflows"`
	IdleResponders  []string `json:"idleResponders"`
}

// Housekeeping 结案长时间无活动的警报，清理通知队列与已结束工作流，把闲置响应者置为离线
func (e *Engine) Housekeeping(ctx context.Context) HousekeepingReport {
	now := e.clock.Now()
	// 仍保持实时连接的响应者不算闲置
	for _, p := range e.registry.List() {
		if p.Online && e.transport.IsOnline(notify.ResponderTopic(p.ID)) {
			e.registry.Touch(p.ID)
		}
	}
	r := HousekeepingReport{
		StaleAlerts:     e.dispatcher.SweepStale(ctx, now),
		SweptQueued:     e.bus.Sweep(),
		PrunedWorkflows: e.workflows.Prune(now),
		IdleResponders:  e.registry.ExpireIdle(now.Add(-e.cfg.IdleAfter)),
	}
	if r.StaleAlerts > 0 || len(r.IdleResponders) > 0 {
		logger.Info("housekeeping",
			zap.Int("staleAlerts", r.StaleAlerts),
			zap.Int("sweptQueued", r.SweptQueued),
			zap.Int("prunedWorkflows", r.PrunedWorkflows),
			zap.Strings("idleResponders", r.IdleResponders))
	}
	return r
}

// Shutdown 停止工作流协程
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.workflows.Shutdown(ctx)
}
