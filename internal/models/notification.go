package models

import "time"

// 通知类型
const (
	NotifyCrisisAlert       = "crisis_alert"
	NotifyCrisisFollowUp    = "crisis_alert_followup"
	NotifyAdminEscalation   = "admin_escalation"
	NotifyResponderAssigned = "responder_assigned"
	NotifySafetyMessage     = "safety_message"
	NotifyAlertResolved     = "alert_resolved"
)

// Notification 发往响应者、用户或管理员的通知
type Notification struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	AlertID        string                 `json:"alertId,omitempty"`
	Recipients     []string               `json:"recipients"`
	Priority       string                 `json:"priority"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	ExpiresAt      time.Time              `json:"expiresAt"`
	AcknowledgedBy string                 `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time             `json:"acknowledgedAt,omitempty"`
	Attempts       int                    `json:"attempts"`
}

// Acknowledged 是否已被确认
func (n *Notification) Acknowledged() bool {
	return n.AcknowledgedAt != nil
}

// DeliveryReceipt 一次发送的投递结果
type DeliveryReceipt struct {
	NotificationID string   `json:"notificationId"`
	Delivered      []string `json:"delivered"`
	Queued         []string `json:"queued"`
	Failed         []string `json:"failed"`
}
