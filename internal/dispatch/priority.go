package dispatch

import (
	"time"

	"HibiscusCrisis/internal/models"
)

var severityBase = map[string]float64{
	models.RiskCritical: 100,
	models.RiskHigh:     75,
	models.RiskMedium:   50,
	models.RiskLow:      25,
}

const (
	riskFactorPoints = 10.0
	keywordPoints    = 5.0
	keywordCap       = 20.0
)

// PriorityScore 严重程度基础分 + 风险因素 + 关键词（上限 20）
func PriorityScore(a models.CrisisAnalysis) float64 {
	score := severityBase[a.RiskLevel]
	score += riskFactorPoints * float64(a.RiskFactors.Count())
	kw := keywordPoints * float64(len(a.MatchedKeywords))
	if kw > keywordCap {
		kw = keywordCap
	}
	return score + kw
}

// PriorityLevel 由分数映射优先级，critical 一律为 emergency
func PriorityLevel(severity string, score float64) string {
	if severity == models.RiskCritical {
		return models.PriorityEmergency
	}
	switch {
	case score >= 100:
		return models.PriorityEmergency
	case score >= 75:
		return models.PriorityUrgent
	case score >= 50:
		return models.PriorityHigh
	case score >= 25:
		return models.PriorityNormal
	}
	return models.PriorityLow
}

// Strategy 通知策略
type Strategy struct {
	Count     int           `json:"count"`
	Staggered bool          `json:"staggered"`
	Delay     time.Duration `json:"delay"`
}

var strategies = map[string]Strategy{
	models.PriorityEmergency: {Count: 3, Staggered: false},
	models.PriorityUrgent:    {Count: 2, Staggered: true, Delay: 30 * time.Second},
	models.PriorityHigh:      {Count: 2, Staggered: true, Delay: 60 * time.Second},
	models.PriorityNormal:    {Count: 1, Staggered: true, Delay: 120 * time.Second},
	models.PriorityLow:       {Count: 1, Staggered: true, Delay: 300 * time.Second},
}

// StrategyFor 按优先级选择通知策略，未知优先级按 low 处理
func StrategyFor(priority string) Strategy {
	if s, ok := strategies[priority]; ok {
		return s
	}
	return strategies[models.PriorityLow]
}
