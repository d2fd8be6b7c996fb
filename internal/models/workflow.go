package models

import "time"

// 工作流阶段
const (
	PhaseAssessment = "assessment"
	PhaseExecuting  = "executing"
	PhaseMonitoring = "monitoring"
	PhaseCompleted  = "completed"
)

// 结束原因
const (
	CompletionResolved   = "resolved"
	CompletionTimeout    = "timeout"
	CompletionSuperseded = "superseded"
)

// 安全等级
const (
	SafetyLow      = "low"
	SafetyModerate = "moderate"
	SafetyHigh     = "high"
	SafetyCritical = "critical"
)

// 协议名
const (
	ProtocolImmediateSafety    = "immediate_safety"
	ProtocolCrisisIntervention = "crisis_intervention"
	ProtocolStabilization      = "stabilization"
	ProtocolMonitoring         = "monitoring"
)

// ActionRecord 一次动作执行记录
type ActionRecord struct {
	Action  string    `json:"action"`
	At      time.Time `json:"at"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
}

// WorkflowEvent 工作流事件
type WorkflowEvent struct {
	Type   string    `json:"type"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// SafetyAssessment 安全评估结果
type SafetyAssessment struct {
	DangerScore        int      `json:"dangerScore"`
	RiskFactors        int      `json:"riskFactors"`
	ProtectiveFactors  int      `json:"protectiveFactors"`
	Total              int      `json:"total"`
	SafetyLevel        string   `json:"safetyLevel"`
	ImminentIndicators []string `json:"imminentIndicators,omitempty"`
}

// SafetyWorkflow 安全响应工作流
type SafetyWorkflow struct {
	ID               string           `json:"id" gorm:"primaryKey;size:64"`
	AlertID          string           `json:"alertId" gorm:"index;size:64"`
	UserID           string           `json:"userId" gorm:"index;size:64"`
	SessionID        string           `json:"sessionId" gorm:"size:64"`
	Protocol         string           `json:"protocol" gorm:"size:32"`
	Phase            string           `json:"phase" gorm:"size:16"`
	CompletionReason string           `json:"completionReason,omitempty" gorm:"size:16"`
	Log              []ActionRecord   `json:"log" gorm:"serializer:json"`
	Events           []WorkflowEvent  `json:"events" gorm:"serializer:json"`
	Assessment       SafetyAssessment `json:"assessment" gorm:"serializer:json"`
	EscalationCount  int              `json:"escalationCount"`
	CompletedActions int              `json:"completedActions"`
	StartedAt        time.Time        `json:"startedAt"`
	EndedAt          *time.Time       `json:"endedAt,omitempty"`
}

// Clone 深拷贝
func (w *SafetyWorkflow) Clone() SafetyWorkflow {
	c := *w
	c.Log = append([]ActionRecord(nil), w.Log...)
	c.Events = append([]WorkflowEvent(nil), w.Events...)
	c.Assessment.ImminentIndicators = append([]string(nil), w.Assessment.ImminentIndicators...)
	if w.EndedAt != nil {
		t := *w.EndedAt
		c.EndedAt = &t
	}
	return c
}

// Terminal 是否已结束
func (w *SafetyWorkflow) Terminal() bool {
	return w.Phase == PhaseCompleted
}
