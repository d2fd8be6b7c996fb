package engine

import (
	"strings"
	"time"

	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/internal/notify"
	"HibiscusCrisis/internal/registry"
	"HibiscusCrisis/internal/workflow"
)

// 每个用户保留的最近分析条数
const activityPerUser = 32

type activity struct {
	analysis models.CrisisAnalysis
	at       time.Time
}

// record 追加一条分析结果，超出上限时丢弃最早的
func (e *Engine) record(userID string, a models.CrisisAnalysis) {
	e.activityMu.Lock()
	defer e.activityMu.Unlock()
	prev, _ := e.activity.Get(userID)
	if len(prev) >= activityPerUser {
		prev = prev[len(prev)-activityPerUser+1:]
	}
	next := make([]activity, 0, len(prev)+1)
	next = append(next, prev...)
	next = append(next, activity{analysis: a, at: e.clock.Now()})
	e.activity.Add(userID, next)
}

// MostSevere 返回 since 之后该用户最严重的一次分析结果，供工作流监控阶段轮询。
// 先比较所选方案的紧急程度，再比较风险等级，相同时取较新的一条。
func (e *Engine) MostSevere(userID string, since time.Time) (models.CrisisAnalysis, bool) {
	e.activityMu.Lock()
	list, _ := e.activity.Get(userID)
	e.activityMu.Unlock()

	var best activity
	found := false
	for _, a := range list {
		if !a.at.After(since) {
			continue
		}
		if !found || !moreSevere(best.analysis, a.analysis) {
			best, found = a, true
		}
	}
	return best.analysis, found
}

func moreSevere(a, b models.CrisisAnalysis) bool {
	pa, pb := workflow.SelectProtocol(a).Rank, workflow.SelectProtocol(b).Rank
	if pa != pb {
		return pa < pb
	}
	return models.RiskRank(a.RiskLevel) > models.RiskRank(b.RiskLevel)
}

// directory 从响应者目录查离线兜底的联系方式
type directory struct {
	reg *registry.Registry
}

func (d directory) Contact(topic string) (notify.Contact, bool) {
	switch {
	case strings.HasPrefix(topic, notify.ResponderTopic("")):
		id := strings.TrimPrefix(topic, notify.ResponderTopic(""))
		p, err := d.reg.Get(id)
		if err != nil {
			return notify.Contact{}, false
		}
		return notify.Contact{PushAlias: p.ID, Phone: p.Phone}, true
	case strings.HasPrefix(topic, notify.UserTopic("")):
		return notify.Contact{PushAlias: strings.TrimPrefix(topic, notify.UserTopic(""))}, true
	}
	return notify.Contact{}, false
}
