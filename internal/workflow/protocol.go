package workflow

import (
	"time"

	"HibiscusCrisis/internal/models"
)

// 内置动作名
const (
	ActionAssessImmediateDanger  = "assess_immediate_danger"
	ActionContactEmergency       = "contact_emergency_services"
	ActionAssignCrisisCounselor  = "assign_crisis_counselor"
	ActionNotifyResponder        = "notify_responder"
	ActionProvideSafetyResources = "provide_safety_resources"
	ActionEstablishSafetyPlan    = "establish_safety_plan"
	ActionScheduleCheckIn        = "schedule_check_in"
	ActionConnectSupportNetwork  = "connect_support_network"
	ActionDocumentIncident       = "document_incident"
	violenceProtocolThreshold    = 0.5
	highCategoryScoreThreshold   = 0.7
	imminentKeywordPoints        = 25
	methodOrImmediacyPoints      = 30
	highCategoryScorePoints      = 15
	riskFactorWeight             = 5
	protectiveFactorWeight       = 3
	criticalTotal                = 50
	highTotal                    = 30
	moderateTotal                = 15
)

// Protocol 静态协议定义，Rank 越小越紧急
type Protocol struct {
	Name             string
	Rank             int
	Timeframe        time.Duration
	Actions          []string
	Trigger          func(models.CrisisAnalysis) bool
	EscalationTarget string
}

var protocols = []Protocol{
	{
		Name:      models.ProtocolImmediateSafety,
		Rank:      1,
		Timeframe: 5 * time.Minute,
		Actions: []string{
			ActionAssessImmediateDanger,
			ActionContactEmergency,
			ActionAssignCrisisCounselor,
			ActionProvideSafetyResources,
			ActionDocumentIncident,
		},
		Trigger: func(a models.CrisisAnalysis) bool {
			if a.RiskLevel == models.RiskCritical {
				return true
			}
			return a.RiskLevel == models.RiskHigh && a.Categories.Violence.Normalized() >= violenceProtocolThreshold
		},
		EscalationTarget: models.ProtocolImmediateSafety,
	},
	{
		Name:      models.ProtocolCrisisIntervention,
		Rank:      2,
		Timeframe: 30 * time.Minute,
		Actions: []string{
			ActionAssignCrisisCounselor,
			ActionNotifyResponder,
			ActionProvideSafetyResources,
			ActionEstablishSafetyPlan,
			ActionScheduleCheckIn,
			ActionDocumentIncident,
		},
		Trigger:          func(a models.CrisisAnalysis) bool { return a.RiskLevel == models.RiskHigh },
		EscalationTarget: models.ProtocolImmediateSafety,
	},
	{
		Name:      models.ProtocolStabilization,
		Rank:      3,
		Timeframe: 2 * time.Hour,
		Actions: []string{
			ActionProvideSafetyResources,
			ActionEstablishSafetyPlan,
			ActionConnectSupportNetwork,
			ActionScheduleCheckIn,
		},
		Trigger:          func(a models.CrisisAnalysis) bool { return a.RiskLevel == models.RiskMedium },
		EscalationTarget: models.ProtocolCrisisIntervention,
	},
	{
		Name:      models.ProtocolMonitoring,
		Rank:      4,
		Timeframe: 24 * time.Hour,
		Actions: []string{
			ActionProvideSafetyResources,
			ActionScheduleCheckIn,
		},
		Trigger:          func(models.CrisisAnalysis) bool { return true },
		EscalationTarget: models.ProtocolStabilization,
	},
}

// Protocols 按紧急程度排列的协议副本
func Protocols() []Protocol {
	out := make([]Protocol, len(protocols))
	for i, p := range protocols {
		p.Actions = append([]string(nil), p.Actions...)
		out[i] = p
	}
	return out
}

// ProtocolByName 按名称查找
func ProtocolByName(name string) (Protocol, bool) {
	for _, p := range Protocols() {
		if p.Name == name {
			return p, true
		}
	}
	return Protocol{}, false
}

// SelectProtocol 只依据风险等级与类别得分选择协议，与评估出的安全等级无关
func SelectProtocol(a models.CrisisAnalysis) Protocol {
	all := Protocols()
	for _, p := range all {
		if p.Trigger(a) {
			return p
		}
	}
	return all[len(all)-1]
}

// MoreUrgent 返回两者中更紧急的协议
func MoreUrgent(a, b Protocol) Protocol {
	if b.Rank < a.Rank {
		return b
	}
	return a
}
