package models

// 风险等级
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// CategoryScore 单一危机类别的得分
type CategoryScore struct {
	Score    float64  `json:"score"`
	Keywords []string `json:"keywords,omitempty"`
}

// Normalized 返回 [0,1] 区间的得分，大于 1 的值按百分制换算
func (c CategoryScore) Normalized() float64 {
	s := c.Score
	if s > 1 {
		s = s / 100
	}
	if s > 1 {
		return 1
	}
	if s < 0 {
		return 0
	}
	return s
}

type CrisisCategories struct {
	Suicide   CategoryScore `json:"suicide"`
	SelfHarm  CategoryScore `json:"selfHarm"`
	Violence  CategoryScore `json:"violence"`
	Substance CategoryScore `json:"substance"`
	Other     CategoryScore `json:"other"`
}

type RiskFactors struct {
	MethodAvailable bool `json:"methodAvailable"`
	Immediacy       bool `json:"immediacy"`
	Isolation       bool `json:"isolation"`
	PriorAttempt    bool `json:"priorAttempt"`
}

// Count 返回成立的风险因素个数
func (r RiskFactors) Count() int {
	n := 0
	for _, b := range []bool{r.MethodAvailable, r.Immediacy, r.Isolation, r.PriorAttempt} {
		if b {
			n++
		}
	}
	return n
}

// CrisisAnalysis 分类器对一条消息的分析结果，核心逻辑只读不改
type CrisisAnalysis struct {
	RiskLevel                  string           `json:"riskLevel"`
	Categories                 CrisisCategories `json:"categories"`
	MatchedKeywords            []string         `json:"matchedKeywords"`
	RiskFactors                RiskFactors      `json:"riskFactors"`
	RequiresImmediateAttention bool             `json:"requiresImmediateAttention"`
	Confidence                 float64          `json:"confidence"`
}

// RiskRank 风险等级排序，数值越大越严重，未知等级为 0
func RiskRank(level string) int {
	switch level {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 0
}

// Subject 触发警报的用户与会话
type Subject struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}
