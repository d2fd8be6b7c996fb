package workflow

import (
	"testing"

	"HibiscusCrisis/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestSelectProtocol(t *testing.T) {
	cases := []struct {
		name string
		in   models.CrisisAnalysis
		want string
	}{
		{"critical", models.CrisisAnalysis{RiskLevel: models.RiskCritical}, models.ProtocolImmediateSafety},
		{"critical with violence percentage", models.CrisisAnalysis{
			RiskLevel:  models.RiskCritical,
			Categories: models.CrisisCategories{Violence: models.CategoryScore{Score: 20}},
		}, models.ProtocolImmediateSafety},
		{"high with strong violence", models.CrisisAnalysis{
			RiskLevel:  models.RiskHigh,
			Categories: models.CrisisCategories{Violence: models.CategoryScore{Score: 0.6}},
		}, models.ProtocolImmediateSafety},
		{"high with weak violence", models.CrisisAnalysis{
			RiskLevel:  models.RiskHigh,
			Categories: models.CrisisCategories{Violence: models.CategoryScore{Score: 20}},
		}, models.ProtocolCrisisIntervention},
		{"medium", models.CrisisAnalysis{RiskLevel: models.RiskMedium}, models.ProtocolStabilization},
		{"low", models.CrisisAnalysis{RiskLevel: models.RiskLow}, models.ProtocolMonitoring},
		{"unknown", models.CrisisAnalysis{}, models.ProtocolMonitoring},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, SelectProtocol(c.in).Name)
		})
	}
}

func TestProtocolsAreOrderedByUrgency(t *testing.T) {
	all := Protocols()
	assert.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Rank, all[i].Rank)
	}
	all[0].Actions[0] = "mutated"
	assert.Equal(t, ActionAssessImmediateDanger, Protocols()[0].Actions[0])
}

func TestAssess(t *testing.T) {
	t.Run("imminent keyword is critical", func(t *testing.T) {
		a := Assess(models.CrisisAnalysis{MatchedKeywords: []string{"Tonight", "sad"}}, Environment{})
		assert.Equal(t, 25, a.DangerScore)
		assert.Equal(t, models.SafetyCritical, a.SafetyLevel)
		assert.Equal(t, []string{"tonight"}, a.ImminentIndicators)
	})

	t.Run("suicide with method and risk factor", func(t *testing.T) {
		a := Assess(models.CrisisAnalysis{
			Categories:  models.CrisisCategories{Suicide: models.CategoryScore{Score: 0.8}},
			RiskFactors: models.RiskFactors{MethodAvailable: true},
		}, Environment{RiskFactors: []string{"isolation"}})
		assert.Equal(t, 45, a.DangerScore)
		assert.Equal(t, 50, a.Total)
		assert.Equal(t, models.SafetyCritical, a.SafetyLevel)
	})

	t.Run("violence with immediacy is high", func(t *testing.T) {
		a := Assess(models.CrisisAnalysis{
			Categories:  models.CrisisCategories{Violence: models.CategoryScore{Score: 90}},
			RiskFactors: models.RiskFactors{Immediacy: true},
		}, Environment{})
		assert.Equal(t, 45, a.Total)
		assert.Equal(t, models.SafetyHigh, a.SafetyLevel)
	})

	t.Run("protective factors lower the total", func(t *testing.T) {
		in := models.CrisisAnalysis{Categories: models.CrisisCategories{Suicide: models.CategoryScore{Score: 0.7}}}
		a := Assess(in, Environment{RiskFactors: []string{"isolation"}})
		assert.Equal(t, 20, a.Total)
		assert.Equal(t, models.SafetyModerate, a.SafetyLevel)

		a = Assess(in, Environment{RiskFactors: []string{"isolation"}, ProtectiveFactors: []string{"family", "therapist"}})
		assert.Equal(t, 14, a.Total)
		assert.Equal(t, models.SafetyLow, a.SafetyLevel)
	})
}

func TestPlanUpgradesOnlyOnCriticalSafety(t *testing.T) {
	in := models.CrisisAnalysis{
		RiskLevel:   models.RiskHigh,
		Categories:  models.CrisisCategories{Suicide: models.CategoryScore{Score: 0.8}},
		RiskFactors: models.RiskFactors{MethodAvailable: true, Isolation: true},
	}
	p, a, upgraded := Plan(in, EnvironmentFromAnalysis(in))
	assert.True(t, upgraded)
	assert.Equal(t, models.SafetyCritical, a.SafetyLevel)
	assert.Equal(t, models.ProtocolImmediateSafety, p.Name)

	in.RiskFactors.Isolation = false
	p, a, upgraded = Plan(in, EnvironmentFromAnalysis(in))
	assert.False(t, upgraded)
	assert.Equal(t, models.SafetyHigh, a.SafetyLevel)
	assert.Equal(t, models.ProtocolCrisisIntervention, p.Name)
}

func TestEnvironmentMerge(t *testing.T) {
	e := Environment{RiskFactors: []string{"isolation"}}.Merge(Environment{
		RiskFactors:       []string{"isolation", "prior_attempt", ""},
		ProtectiveFactors: []string{"family"},
	})
	assert.Equal(t, []string{"isolation", "prior_attempt"}, e.RiskFactors)
	assert.Equal(t, []string{"family"}, e.ProtectiveFactors)
}
