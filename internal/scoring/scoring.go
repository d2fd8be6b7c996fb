// Package scoring 计算响应者对某次危机的匹配度并排序。
package scoring

import (
	"math"
	"sort"

	"HibiscusCrisis/internal/models"
)

// 相关专长集合，每命中一项 2 分，上限 10 分
var relevantTags = map[string]struct{}{
	"crisis_intervention": {},
	"suicide_prevention":  {},
	"self_harm":           {},
	"violence_prevention": {},
	"substance_abuse":     {},
	"trauma":              {},
	"mental_health":       {},
}

const (
	tagPoints      = 2.0
	tagCap         = 10.0
	categoryBonus  = 5.0
	loadWeight     = 20.0
	latencyWeight  = 15.0
	latencyCeiling = 300.0
	ratingWeight   = 3.0
	maxRating      = 5.0
)

var experiencePoints = map[string]float64{
	models.ExperienceBeginner:     10,
	models.ExperienceIntermediate: 20,
	models.ExperienceAdvanced:     30,
	models.ExperienceExpert:       40,
}

// Ranked 排序结果
type Ranked struct {
	Responder models.ResponderProfile
	Score     float64
}

// Score 纯函数：相同输入总是得到相同分数
func Score(r models.ResponderProfile, a models.CrisisAnalysis) float64 {
	score := experiencePoints[r.Experience]

	if r.MaxCapacity > 0 {
		ratio := clamp(float64(r.CurrentLoad)/float64(r.MaxCapacity), 0, 1)
		score += loadWeight * (1 - ratio)
	}

	score += clamp(latencyWeight*(1-r.AvgResponseSeconds/latencyCeiling), 0, latencyWeight)
	score += ratingWeight * clamp(r.Rating, 0, maxRating)

	tags := 0.0
	seen := make(map[string]struct{}, len(r.Specializations))
	for _, s := range r.Specializations {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if _, ok := relevantTags[s]; ok {
			tags += tagPoints
		}
	}
	score += math.Min(tags, tagCap)

	for _, m := range categoryMatches(a) {
		if _, ok := seen[m]; ok {
			score += categoryBonus
		}
	}
	return score
}

// categoryMatches 返回得分大于 0 的类别对应的专长标签
func categoryMatches(a models.CrisisAnalysis) []string {
	var tags []string
	if a.Categories.Suicide.Score > 0 {
		tags = append(tags, "suicide_prevention")
	}
	if a.Categories.SelfHarm.Score > 0 {
		tags = append(tags, "self_harm")
	}
	if a.Categories.Violence.Score > 0 {
		tags = append(tags, "violence_prevention")
	}
	if a.Categories.Substance.Score > 0 {
		tags = append(tags, "substance_abuse")
	}
	return tags
}

// Rank 按分数降序排列，同分按 ID 升序
func Rank(responders []models.ResponderProfile, a models.CrisisAnalysis) []Ranked {
	out := make([]Ranked, len(responders))
	for i, r := range responders {
		out[i] = Ranked{Responder: r, Score: Score(r, a)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Responder.ID < out[j].Responder.ID
	})
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
