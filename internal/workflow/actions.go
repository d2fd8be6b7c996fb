package workflow

import (
	"context"
	"fmt"

	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/internal/notify"
	"HibiscusCrisis/pkg/errors"
	"HibiscusCrisis/pkg/logger"

	"go.uber.org/zap"
)

// ActionContext 动作执行时看到的工作流快照
type ActionContext struct {
	Workflow    models.SafetyWorkflow
	Analysis    models.CrisisAnalysis
	Environment Environment
	Protocol    Protocol
}

// ActionFunc 返回写入执行日志的说明
type ActionFunc func(ctx context.Context, ac ActionContext) (string, error)

func (m *Manager) registerBuiltins() {
	m.actions[ActionAssessImmediateDanger] = m.assessDanger
	m.actions[ActionContactEmergency] = m.contactEmergency
	m.actions[ActionAssignCrisisCounselor] = m.assignCounselor
	m.actions[ActionNotifyResponder] = m.notifyResponder
	m.actions[ActionProvideSafetyResources] = m.userMessage("safety_resources")
	m.actions[ActionEstablishSafetyPlan] = m.userMessage("safety_plan")
	m.actions[ActionConnectSupportNetwork] = m.userMessage("support_network")
	m.actions[ActionScheduleCheckIn] = m.scheduleCheckIn
	m.actions[ActionDocumentIncident] = m.documentIncident
}

// RegisterAction 注册或覆盖动作
func (m *Manager) RegisterAction(name string, fn ActionFunc) {
	m.mu.Lock()
	m.actions[name] = fn
	m.mu.Unlock()
}

func (m *Manager) actionContext(r *run) (ActionContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wf.Terminal() || r.ctx.Err() != nil {
		return ActionContext{}, false
	}
	p := r.protocol
	p.Actions = append([]string(nil), p.Actions...)
	return ActionContext{
		Workflow:    r.wf.Clone(),
		Analysis:    r.analysis,
		Environment: r.env,
		Protocol:    p,
	}, true
}

func (m *Manager) runAction(ctx context.Context, name string, ac ActionContext) (string, error) {
	m.mu.RLock()
	fn, ok := m.actions[name]
	m.mu.RUnlock()
	if !ok {
		return "", errors.Errorf("unknown action %q", name)
	}
	return fn(ctx, ac)
}

func (m *Manager) assessDanger(_ context.Context, ac ActionContext) (string, error) {
	a := Assess(ac.Analysis, ac.Environment)
	return fmt.Sprintf("safety=%s total=%d imminent=%d", a.SafetyLevel, a.Total, len(a.ImminentIndicators)), nil
}

func (m *Manager) alert(ac ActionContext) (models.Alert, error) {
	if m.dispatcher == nil {
		return models.Alert{}, errors.New("dispatcher not configured")
	}
	return m.dispatcher.Get(ac.Workflow.AlertID)
}

func (m *Manager) contactEmergency(ctx context.Context, ac ActionContext) (string, error) {
	r, err := m.lookup(ac.Workflow.ID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	sent := r.emergencySent
	r.emergencySent = true
	r.mu.Unlock()
	if sent {
		return "already contacted", nil
	}

	alert, err := m.alert(ac)
	fired := false
	if err == nil {
		fired, err = m.triggerEmergency(ctx, alert)
	}
	if err != nil {
		r.mu.Lock()
		r.emergencySent = false
		r.mu.Unlock()
		return "", err
	}
	if !fired {
		return "already contacted", nil
	}
	return "emergency services contacted", nil
}

func (m *Manager) assignCounselor(ctx context.Context, ac ActionContext) (string, error) {
	alert, err := m.alert(ac)
	if err != nil {
		return "", err
	}
	switch alert.Status {
	case models.AlertAssigned:
		return "assigned to " + alert.AssignedResponderID, nil
	case models.AlertActive:
		return fmt.Sprintf("awaiting response from %d responders", len(alert.NotifiedResponderIDs)), nil
	case models.AlertEscalated:
		if err := m.dispatcher.Rearm(ctx, alert.ID, alert.Severity); err != nil {
			return "", err
		}
		return "dispatch re-armed", nil
	}
	return "", errors.InvalidTransition("alert "+alert.ID, alert.Status, "assign counselor")
}

func (m *Manager) notifyResponder(ctx context.Context, ac ActionContext) (string, error) {
	alert, err := m.alert(ac)
	if err != nil {
		return "", err
	}
	if alert.Status != models.AlertAssigned || alert.AssignedResponderID == "" {
		return "", errors.Errorf("alert %s has no assigned responder", alert.ID)
	}
	receipt := m.messenger.Send(ctx, models.Notification{
		Type:     models.NotifySafetyMessage,
		AlertID:  alert.ID,
		Priority: alert.PriorityLevel,
		Payload: map[string]interface{}{
			"workflowId":  ac.Workflow.ID,
			"protocol":    ac.Protocol.Name,
			"safetyLevel": ac.Workflow.Assessment.SafetyLevel,
			"message":     m.message("responder_update", map[string]interface{}{"Protocol": ac.Protocol.Name}),
		},
	}, []string{notify.ResponderTopic(alert.AssignedResponderID)})
	return receiptDetail(receipt)
}

// userMessage 向用户发送一条安全文案
func (m *Manager) userMessage(messageID string) ActionFunc {
	return func(ctx context.Context, ac ActionContext) (string, error) {
		if ac.Workflow.UserID == "" {
			return "", errors.New("workflow has no user")
		}
		receipt := m.messenger.Send(ctx, m.safetyNotification(ac.Workflow, messageID), []string{notify.UserTopic(ac.Workflow.UserID)})
		return receiptDetail(receipt)
	}
}

func (m *Manager) safetyNotification(wf models.SafetyWorkflow, messageID string) models.Notification {
	return models.Notification{
		Type:     models.NotifySafetyMessage,
		AlertID:  wf.AlertID,
		Priority: models.PriorityHigh,
		Payload: map[string]interface{}{
			"workflowId": wf.ID,
			"kind":       messageID,
			"message":    m.message(messageID, nil),
		},
	}
}

func receiptDetail(r models.DeliveryReceipt) (string, error) {
	switch {
	case len(r.Delivered) > 0:
		return "delivered", nil
	case len(r.Queued) > 0:
		return "queued", nil
	case len(r.Failed) > 0:
		return "", errors.Errorf("delivery failed for %v", r.Failed)
	}
	return "", errors.New("no recipients")
}

func (m *Manager) scheduleCheckIn(_ context.Context, ac ActionContext) (string, error) {
	r, err := m.lookup(ac.Workflow.ID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wf.Terminal() {
		return "", errors.InvalidTransition("workflow "+r.wf.ID, models.PhaseCompleted, "schedule check-in")
	}
	if r.checkIn != nil {
		r.checkIn.Stop()
	}
	r.checkInSeq++
	seq := r.checkInSeq
	r.checkIn = m.clock.AfterFunc(m.cfg.CheckInDelay, func() { m.fireCheckIn(r, seq) })
	return "check-in in " + m.cfg.CheckInDelay.String(), nil
}

func (m *Manager) fireCheckIn(r *run, seq uint64) {
	r.mu.Lock()
	if seq != r.checkInSeq || r.wf.Terminal() {
		r.mu.Unlock()
		return
	}
	r.checkIn = nil
	wf := r.wf.Clone()
	r.mu.Unlock()

	receipt := m.messenger.Send(r.ctx, m.safetyNotification(wf, "check_in"), []string{notify.UserTopic(wf.UserID)})
	detail, err := receiptDetail(receipt)
	if err != nil {
		logger.Warn("check-in delivery failed", zap.String("workflow", wf.ID), zap.Error(err))
		detail = err.Error()
	}
	m.record(r.ctx, r, EventCheckIn, detail)
}

func (m *Manager) documentIncident(ctx context.Context, ac ActionContext) (string, error) {
	r, err := m.lookup(ac.Workflow.ID)
	if err != nil {
		return "", err
	}
	summary := fmt.Sprintf("protocol=%s safety=%s risk=%s actions=%d escalations=%d",
		ac.Protocol.Name,
		ac.Workflow.Assessment.SafetyLevel,
		ac.Analysis.RiskLevel,
		len(ac.Workflow.Log),
		ac.Workflow.EscalationCount)
	m.record(ctx, r, EventIncidentDocumented, summary)
	return summary, nil
}
