package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 指标管理器。所有方法对 nil 接收者安全，未启用指标时可直接传 nil。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 调度指标
	alertsDispatched  *prometheus.CounterVec
	alertsEscalated   *prometheus.CounterVec
	alertsResolved    *prometheus.CounterVec
	alertsActive      prometheus.Gauge
	timeToAssignment  *prometheus.HistogramVec
	responderResponse *prometheus.CounterVec

	// 通知指标
	notificationsSent *prometheus.CounterVec
	followUpsFired    prometheus.Counter
	acknowledgements  prometheus.Counter
	offlineQueued     prometheus.Gauge

	// 工作流指标
	workflowsActive   prometheus.Gauge
	workflowActions   *prometheus.CounterVec
	workflowCompleted *prometheus.CounterVec

	// 外部协作方调用
	collaboratorErrors *prometheus.CounterVec

	rateLimited *prometheus.CounterVec
}

// NewMetrics 在给定的注册表上创建指标，reg 为 nil 时新建独立注册表
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		alertsDispatched: f.NewCounterVec(
			prometheus.CounterOpts{Name: "crisis_alerts_dispatched_total", Help: "Alerts dispatched by priority level"},
			[]string{"priority"},
		),
		alertsEscalated: f.NewCounterVec(
			prometheus.CounterOpts{Name: "crisis_alerts_escalated_total", Help: "Alert escalations by reason"},
			[]string{"reason"},
		),
		alertsResolved: f.NewCounterVec(
			prometheus.CounterOpts{Name: "crisis_alerts_resolved_total", Help: "Resolved alerts by outcome"},
			[]string{"outcome"},
		),
		alertsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "crisis_alerts_active",
			Help: "Alerts that are not resolved",
		}),
		timeToAssignment: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crisis_alert_time_to_assignment_seconds",
				Help:    "Time from alert creation to responder acceptance",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"priority"},
		),
		responderResponse: f.NewCounterVec(
			prometheus.CounterOpts{Name: "crisis_responder_responses_total", Help: "Responder responses by action and result"},
			[]string{"action", "result"},
		),

		notificationsSent: f.NewCounterVec(
			prometheus.CounterOpts{Name: "crisis_notifications_total", Help: "Notification deliveries by type and channel"},
			[]string{"type", "channel"},
		),
		followUpsFired: f.NewCounter(prometheus.CounterOpts{
			Name: "crisis_notification_followups_total",
			Help: "Follow-up notifications sent",
		}),
		acknowledgements: f.NewCounter(prometheus.CounterOpts{
			Name: "crisis_notification_acks_total",
			Help: "Acknowledged notifications",
		}),
		offlineQueued: f.NewGauge(prometheus.GaugeOpts{
			Name: "crisis_notification_offline_queue",
			Help: "Notifications waiting for recipients to reconnect",
		}),

		workflowsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "crisis_workflows_active",
			Help: "Safety workflows not yet completed",
		}),
		workflowActions: f.NewCounterVec(
			prometheus.CounterOpts{Name: "crisis_workflow_actions_total", Help: "Protocol actions by name and outcome"},
			[]string{"action", "outcome"},
		),
		workflowCompleted: f.NewCounterVec(
			prometheus.CounterOpts{Name: "crisis_workflows_completed_total", Help: "Completed workflows by reason"},
			[]string{"reason"},
		),

		collaboratorErrors: f.NewCounterVec(
			prometheus.CounterOpts{Name: "crisis_collaborator_errors_total", Help: "Failed calls to external collaborators"},
			[]string{"collaborator"},
		),
		rateLimited: f.NewCounterVec(
			prometheus.CounterOpts{Name: "crisis_rate_limit_total", Help: "Rate limiter decisions by route"},
			[]string{"route", "result"},
		),
	}
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 暴露 /metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest 记录HTTP请求
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) AlertDispatched(priority string) {
	if m == nil {
		return
	}
	m.alertsDispatched.WithLabelValues(priority).Inc()
	m.alertsActive.Inc()
}

func (m *Metrics) AlertEscalated(reason string) {
	if m == nil {
		return
	}
	m.alertsEscalated.WithLabelValues(reason).Inc()
}

func (m *Metrics) AlertAssigned(priority string, wait time.Duration) {
	if m == nil {
		return
	}
	m.timeToAssignment.WithLabelValues(priority).Observe(wait.Seconds())
}

func (m *Metrics) AlertResolved(outcome string) {
	if m == nil {
		return
	}
	m.alertsResolved.WithLabelValues(outcome).Inc()
	m.alertsActive.Dec()
}

func (m *Metrics) ResponderResponse(action, result string) {
	if m == nil {
		return
	}
	m.responderResponse.WithLabelValues(action, result).Inc()
}

// NotificationSent channel: live / queued / push / sms / failed
func (m *Metrics) NotificationSent(kind, channel string) {
	if m == nil {
		return
	}
	m.notificationsSent.WithLabelValues(kind, channel).Inc()
}

func (m *Metrics) FollowUpFired() {
	if m == nil {
		return
	}
	m.followUpsFired.Inc()
}

func (m *Metrics) Acknowledged() {
	if m == nil {
		return
	}
	m.acknowledgements.Inc()
}

func (m *Metrics) SetOfflineQueue(n int) {
	if m == nil {
		return
	}
	m.offlineQueued.Set(float64(n))
}

func (m *Metrics) WorkflowStarted() {
	if m == nil {
		return
	}
	m.workflowsActive.Inc()
}

func (m *Metrics) WorkflowAction(action, outcome string) {
	if m == nil {
		return
	}
	m.workflowActions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) WorkflowCompleted(reason string) {
	if m == nil {
		return
	}
	m.workflowCompleted.WithLabelValues(reason).Inc()
	m.workflowsActive.Dec()
}

func (m *Metrics) CollaboratorError(name string) {
	if m == nil {
		return
	}
	m.collaboratorErrors.WithLabelValues(name).Inc()
}

// RateLimit 记录限流决策，result 为 allow 或 deny
func (m *Metrics) RateLimit(route, result string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route, result).Inc()
}
