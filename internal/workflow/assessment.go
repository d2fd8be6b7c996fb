package workflow

import (
	"sort"
	"strings"

	"HibiscusCrisis/internal/models"
)

// 表示危险迫在眉睫的关键词
var imminentPhrases = []string{
	"tonight",
	"right now",
	"goodbye",
	"final note",
	"last time",
	"end it",
	"took pills",
	"have a gun",
	"ready to die",
	"今晚",
	"现在就",
	"永别",
	"遗书",
	"结束这一切",
}

// Environment 环境中的风险与保护因素
type Environment struct {
	RiskFactors       []string `json:"riskFactors"`
	ProtectiveFactors []string `json:"protectiveFactors"`
}

// EnvironmentFromAnalysis 从分析结果推导环境风险因素（孤立、既往尝试）
func EnvironmentFromAnalysis(a models.CrisisAnalysis) Environment {
	var env Environment
	if a.RiskFactors.Isolation {
		env.RiskFactors = append(env.RiskFactors, "isolation")
	}
	if a.RiskFactors.PriorAttempt {
		env.RiskFactors = append(env.RiskFactors, "prior_attempt")
	}
	return env
}

// Merge 合并并去重
func (e Environment) Merge(o Environment) Environment {
	return Environment{
		RiskFactors:       union(e.RiskFactors, o.RiskFactors),
		ProtectiveFactors: union(e.ProtectiveFactors, o.ProtectiveFactors),
	}
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok || s == "" {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// ImminentIndicators 返回命中的迫切关键词
func ImminentIndicators(keywords []string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" {
			continue
		}
		for _, phrase := range imminentPhrases {
			if strings.Contains(k, phrase) {
				if _, dup := seen[k]; !dup {
					seen[k] = struct{}{}
					out = append(out, k)
				}
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Assess 计算危险指数并给出安全等级
func Assess(a models.CrisisAnalysis, env Environment) models.SafetyAssessment {
	imminent := ImminentIndicators(a.MatchedKeywords)
	danger := imminentKeywordPoints * len(imminent)

	suicide := a.Categories.Suicide.Normalized()
	violence := a.Categories.Violence.Normalized()
	if suicide > 0 && a.RiskFactors.MethodAvailable {
		danger += methodOrImmediacyPoints
	}
	if violence > 0 && a.RiskFactors.Immediacy {
		danger += methodOrImmediacyPoints
	}
	if suicide >= highCategoryScoreThreshold {
		danger += highCategoryScorePoints
	}
	if violence >= highCategoryScoreThreshold {
		danger += highCategoryScorePoints
	}

	risk := len(env.RiskFactors)
	protective := len(env.ProtectiveFactors)
	total := danger + riskFactorWeight*risk - protectiveFactorWeight*protective

	return models.SafetyAssessment{
		DangerScore:        danger,
		RiskFactors:        risk,
		ProtectiveFactors:  protective,
		Total:              total,
		SafetyLevel:        safetyLevel(total, len(imminent) > 0),
		ImminentIndicators: imminent,
	}
}

func safetyLevel(total int, imminent bool) string {
	switch {
	case imminent || total >= criticalTotal:
		return models.SafetyCritical
	case total >= highTotal:
		return models.SafetyHigh
	case total >= moderateTotal:
		return models.SafetyModerate
	}
	return models.SafetyLow
}
