package models

import "time"

// 警报状态
const (
	AlertActive    = "active"
	AlertAssigned  = "assigned"
	AlertEscalated = "escalated"
	AlertResolved  = "resolved"
)

// 优先级
const (
	PriorityEmergency = "emergency"
	PriorityUrgent    = "urgent"
	PriorityHigh      = "high"
	PriorityNormal    = "normal"
	PriorityLow       = "low"
)

// 升级原因
const (
	ReasonResponseTimeout       = "response_timeout"
	ReasonNoRespondersAvailable = "no_responders_available"
)

// 结案结果
const (
	OutcomeResolved = "resolved"
	OutcomeTimeout  = "timeout"
)

type Resolution struct {
	Outcome    string `json:"outcome"`
	Notes      string `json:"notes,omitempty"`
	ResolvedBy string `json:"resolvedBy,omitempty"`
}

// Alert 危机警报
type Alert struct {
	ID                   string     `json:"id" gorm:"primaryKey;size:64"`
	UserID               string     `json:"userId" gorm:"index;size:64"`
	SessionID            string     `json:"sessionId" gorm:"size:64"`
	MessageID            string     `json:"messageId" gorm:"size:64"`
	Severity             string     `json:"severity" gorm:"size:16"`
	PriorityScore        float64    `json:"priorityScore"`
	PriorityLevel        string     `json:"priorityLevel" gorm:"size:16"`
	Status               string     `json:"status" gorm:"index;size:16"`
	EscalationReason     string     `json:"escalationReason,omitempty" gorm:"size:64"`
	AssignedResponderID  string     `json:"assignedResponderId,omitempty" gorm:"size:64"`
	NotifiedResponderIDs []string   `json:"notifiedResponderIds" gorm:"serializer:json"`
	DeclinedResponderIDs []string   `json:"declinedResponderIds" gorm:"serializer:json"`
	Resolution           Resolution `json:"resolution" gorm:"embedded;embeddedPrefix:resolution_"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	AssignedAt           *time.Time `json:"assignedAt,omitempty"`
	ResolvedAt           *time.Time `json:"resolvedAt,omitempty"`
}

// Clone 深拷贝，供外部读取
func (a *Alert) Clone() Alert {
	c := *a
	c.NotifiedResponderIDs = append([]string(nil), a.NotifiedResponderIDs...)
	c.DeclinedResponderIDs = append([]string(nil), a.DeclinedResponderIDs...)
	if a.AssignedAt != nil {
		t := *a.AssignedAt
		c.AssignedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}

// Open 未结案且未分配
func (a *Alert) Open() bool {
	return a.Status == AlertActive || a.Status == AlertEscalated
}

// PriorityRank 优先级排序，数值越大越紧急
func PriorityRank(level string) int {
	switch level {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	case PriorityEmergency:
		return 5
	}
	return 0
}

// BumpPriority 提升一级，已是最高则不变
func BumpPriority(level string) string {
	switch level {
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	case PriorityHigh:
		return PriorityUrgent
	}
	return PriorityEmergency
}
