// Package listeners 把警报与工作流事件接到持久化和管理后台推送。
package listeners

import (
	"context"

	"HibiscusCrisis/internal/dispatch"
	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/internal/store"
	"HibiscusCrisis/internal/workflow"
	"HibiscusCrisis/pkg/sse"
)

// 管理后台订阅分组
const (
	GroupAlerts    = "alerts"
	GroupWorkflows = "workflows"
	GroupSystem    = "system"
)

// Persistence 每次状态变化后写库
type Persistence struct {
	Store store.Store
}

func (p Persistence) Name() string { return "persistence" }

func (p Persistence) OnAlertEvent(ctx context.Context, e dispatch.Event) error {
	return p.Store.SaveAlert(ctx, e.Alert)
}

func (p Persistence) OnWorkflowEvent(ctx context.Context, wf models.SafetyWorkflow, _ models.WorkflowEvent) error {
	return p.Store.SaveWorkflow(ctx, wf)
}

// AdminFeed 推送到管理后台的事件流
type AdminFeed struct {
	Hub *sse.Hub
}

// AlertView 推送给后台的警报事件
type AlertView struct {
	AlertID     string `json:"alertId"`
	UserID      string `json:"userId"`
	Status      string `json:"status"`
	Severity    string `json:"severity"`
	Priority    string `json:"priority"`
	ResponderID string `json:"responderId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// WorkflowView 推送给后台的工作流事件
type WorkflowView struct {
	WorkflowID  string `json:"workflowId"`
	AlertID     string `json:"alertId"`
	UserID      string `json:"userId"`
	Protocol    string `json:"protocol"`
	Phase       string `json:"phase"`
	SafetyLevel string `json:"safetyLevel"`
	Detail      string `json:"detail,omitempty"`
}

func (f AdminFeed) Name() string { return "admin_feed" }

func (f AdminFeed) OnAlertEvent(_ context.Context, e dispatch.Event) error {
	responder := e.ResponderID
	if responder == "" {
		responder = e.Alert.AssignedResponderID
	}
	_, err := f.Hub.Publish(GroupAlerts, e.Type, AlertView{
		AlertID:     e.Alert.ID,
		UserID:      e.Alert.UserID,
		Status:      e.Alert.Status,
		Severity:    e.Alert.Severity,
		Priority:    e.Alert.PriorityLevel,
		ResponderID: responder,
		Reason:      e.Reason,
	})
	return err
}

func (f AdminFeed) OnWorkflowEvent(_ context.Context, wf models.SafetyWorkflow, ev models.WorkflowEvent) error {
	_, err := f.Hub.Publish(GroupWorkflows, ev.Type, WorkflowView{
		WorkflowID:  wf.ID,
		AlertID:     wf.AlertID,
		UserID:      wf.UserID,
		Protocol:    wf.Protocol,
		Phase:       wf.Phase,
		SafetyLevel: wf.Assessment.SafetyLevel,
		Detail:      ev.Detail,
	})
	return err
}

// Observers 持久化在前，推送在后
func Observers(st store.Store, hub *sse.Hub) ([]dispatch.Observer, []workflow.Observer) {
	var alerts []dispatch.Observer
	var workflows []workflow.Observer
	if st != nil {
		p := Persistence{Store: st}
		alerts = append(alerts, p)
		workflows = append(workflows, p)
	}
	if hub != nil {
		f := AdminFeed{Hub: hub}
		alerts = append(alerts, f)
		workflows = append(workflows, f)
	}
	return alerts, workflows
}
