package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("CACHE_TYPE", "")
	cfg := FromEnv()
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, "@every 1m", cfg.Dispatch.HousekeepingSpec)
	assert.NotNil(t, cfg.WebSocket)
	assert.Empty(t, cfg.Dispatch.Windows())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ESCALATION_CRITICAL", "90")
	t.Setenv("ESCALATION_LOW", "45m")
	t.Setenv("WORKFLOW_ACTION_DELAY", "2s")
	t.Setenv("LLM_JSON_MODE", "yes")
	cfg := FromEnv()
	assert.Equal(t, map[string]time.Duration{
		"critical": 90 * time.Second,
		"low":      45 * time.Minute,
	}, cfg.Dispatch.Windows())
	assert.Equal(t, 2*time.Second, cfg.Dispatch.ActionDelay)
	assert.True(t, cfg.LLM.JSONMode)
}
