package dispatch

import (
	"context"

	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/pkg/logger"

	"go.uber.org/zap"
)

// 警报事件类型
const (
	EventCreated   = "alert_created"
	EventAssigned  = "alert_assigned"
	EventDeclined  = "alert_declined"
	EventEscalated = "alert_escalated"
	EventRearmed   = "alert_rearmed"
	EventResolved  = "alert_resolved"
)

// Event 警报状态变化，在释放警报锁之后按顺序分发
type Event struct {
	Type        string                 `json:"type"`
	Alert       models.Alert           `json:"alert"`
	ResponderID string                 `json:"responderId,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	Analysis    *models.CrisisAnalysis `json:"analysis,omitempty"`
}

// Observer 警报事件的处理者
type Observer interface {
	Name() string
	OnAlertEvent(ctx context.Context, e Event) error
}

// ObserverFunc 函数式观察者
type ObserverFunc struct {
	ID string
	Fn func(ctx context.Context, e Event) error
}

func (o ObserverFunc) Name() string { return o.ID }

func (o ObserverFunc) OnAlertEvent(ctx context.Context, e Event) error { return o.Fn(ctx, e) }

// emit 依次调用观察者；单个失败只记录日志
func (d *Dispatcher) emit(ctx context.Context, e Event) {
	d.omu.RLock()
	obs := append([]Observer(nil), d.observers...)
	d.omu.RUnlock()
	for _, o := range obs {
		if err := o.OnAlertEvent(ctx, e); err != nil {
			d.metrics.CollaboratorError(o.Name())
			logger.Warn("alert observer failed",
				zap.String("observer", o.Name()), zap.String("event", e.Type),
				zap.String("alert", e.Alert.ID), zap.Error(err))
		}
	}
}
