package config

import (
	"log"
	"os"
	"time"

	"HibiscusCrisis/pkg/cache"
	"HibiscusCrisis/pkg/llm"
	"HibiscusCrisis/pkg/logger"
	"HibiscusCrisis/pkg/notification"
	"HibiscusCrisis/pkg/util"
	"HibiscusCrisis/pkg/websocket"
)

// DispatchConfig 派发与工作流的时间参数
type DispatchConfig struct {
	// 各严重程度的升级窗口，0 表示使用默认值
	CriticalWindow time.Duration `env:"ESCALATION_CRITICAL"`
	HighWindow     time.Duration `env:"ESCALATION_HIGH"`
	MediumWindow   time.Duration `env:"ESCALATION_MEDIUM"`
	LowWindow      time.Duration `env:"ESCALATION_LOW"`
	StaleAfter     time.Duration `env:"ALERT_STALE_AFTER"`
	NotifyTTL      time.Duration `env:"NOTIFY_TTL"`
	QueueLimit     int           `env:"NOTIFY_QUEUE_LIMIT"`

	ActionDelay     time.Duration `env:"WORKFLOW_ACTION_DELAY"`
	MonitorInterval time.Duration `env:"WORKFLOW_MONITOR_INTERVAL"`
	MaxDuration     time.Duration `env:"WORKFLOW_MAX_DURATION"`
	CheckInDelay    time.Duration `env:"WORKFLOW_CHECKIN_DELAY"`

	// 清理任务的 cron 表达式
	HousekeepingSpec string `env:"HOUSEKEEPING_SPEC"`
}

type EmergencyConfig struct {
	URL     string        `env:"EMERGENCY_WEBHOOK_URL"`
	Token   string        `env:"EMERGENCY_WEBHOOK_TOKEN"`
	Timeout time.Duration `env:"EMERGENCY_WEBHOOK_TIMEOUT"`
}

// config/config.go
type Config struct {
	DBDriver    string `env:"DB_DRIVER"`
	DSN         string `env:"DSN"`
	Log         logger.LogConfig
	Addr        string `env:"ADDR"`
	Mode        string `env:"MODE"`
	APIPrefix   string `env:"API_PREFIX"`
	AdminPrefix string `env:"ADMIN_PREFIX"`
	// 默认语言
	Language  string `env:"LANGUAGE"`
	RateLimit string `env:"RATE_LIMIT"`
	// 管理端签名密钥
	AdminSecret string `env:"ADMIN_SECRET"`

	Cache     cache.Config
	WebSocket *websocket.Config
	JPush     notification.JPushConfig
	SMS       notification.AliyunSMSConfig
	LLM       llm.Config
	Emergency EmergencyConfig
	Dispatch  DispatchConfig
}

var GlobalConfig *Config

func Load() error {
	// 1. 根据环境加载 .env 文件
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development" // 默认使用开发环境
	}
	if err := util.LoadEnv(env); err != nil {
		log.Printf("Failed to load .env file: %v", err)
	}

	// 2. 加载全局配置
	GlobalConfig = FromEnv()
	return nil
}

// FromEnv 只读取环境变量，不加载 .env 文件
func FromEnv() *Config {
	return &Config{
		DBDriver:    util.GetEnvDefault("DB_DRIVER", "sqlite"),
		DSN:         util.GetEnvDefault("DSN", "file::memory:?cache=shared"),
		Addr:        util.GetEnvDefault("ADDR", ":8080"),
		Mode:        util.GetEnvDefault("MODE", "development"),
		APIPrefix:   util.GetEnvDefault("API_PREFIX", "/api"),
		AdminPrefix: util.GetEnvDefault("ADMIN_PREFIX", "/admin"),
		Language:    util.GetEnvDefault("LANGUAGE", "zh-CN"),
		RateLimit:   util.GetEnvDefault("RATE_LIMIT", "120-M"),
		AdminSecret: util.GetEnv("ADMIN_SECRET"),
		Log: logger.LogConfig{
			Level:      util.GetEnv("LOG_LEVEL"),
			Filename:   util.GetEnv("LOG_FILENAME"),
			MaxSize:    int(util.GetIntEnv("LOG_MAX_SIZE")),
			MaxAge:     int(util.GetIntEnv("LOG_MAX_AGE")),
			MaxBackups: int(util.GetIntEnv("LOG_MAX_BACKUPS")),
		},
		Cache: cache.Config{
			Type: util.GetEnvDefault("CACHE_TYPE", "memory"),
			Redis: cache.RedisConfig{
				Addr:     util.GetEnv("REDIS_ADDR"),
				Password: util.GetEnv("REDIS_PASSWORD"),
				DB:       int(util.GetIntEnv("REDIS_DB")),
				PoolSize: int(util.GetIntEnv("REDIS_POOL_SIZE")),
				Prefix:   util.GetEnvDefault("REDIS_PREFIX", "crisis:"),
			},
			Local: cache.LocalConfig{
				DefaultExpiration: util.GetDurationEnv("CACHE_DEFAULT_EXPIRATION"),
				CleanupInterval:   util.GetDurationEnv("CACHE_CLEANUP_INTERVAL"),
			},
		},
		WebSocket: websocket.LoadConfigFromEnv(),
		JPush: notification.JPushConfig{
			AppKey:         util.GetEnv("JPUSH_APP_KEY"),
			MasterSecret:   util.GetEnv("JPUSH_MASTER_SECRET"),
			Endpoint:       util.GetEnv("JPUSH_ENDPOINT"),
			ApnsProduction: util.GetBoolEnv("JPUSH_APNS_PRODUCTION"),
			Timeout:        util.GetDurationEnv("JPUSH_TIMEOUT"),
		},
		SMS: notification.AliyunSMSConfig{
			AccessKeyId:     util.GetEnv("SMS_ACCESS_KEY_ID"),
			AccessKeySecret: util.GetEnv("SMS_ACCESS_KEY_SECRET"),
			SignName:        util.GetEnv("SMS_SIGN_NAME"),
			TemplateCode:    util.GetEnv("SMS_TEMPLATE_CODE"),
			Endpoint:        util.GetEnv("SMS_ENDPOINT"),
		},
		LLM: llm.Config{
			APIKey:   util.GetEnv("LLM_API_KEY"),
			Endpoint: util.GetEnv("LLM_BASE_URL"),
			Model:    util.GetEnv("LLM_MODEL"),
			Timeout:  util.GetDurationEnv("LLM_TIMEOUT"),
			JSONMode: util.GetBoolEnv("LLM_JSON_MODE"),
		},
		Emergency: EmergencyConfig{
			URL:     util.GetEnv("EMERGENCY_WEBHOOK_URL"),
			Token:   util.GetEnv("EMERGENCY_WEBHOOK_TOKEN"),
			Timeout: util.GetDurationEnv("EMERGENCY_WEBHOOK_TIMEOUT"),
		},
		Dispatch: DispatchConfig{
			CriticalWindow:   util.GetDurationEnv("ESCALATION_CRITICAL"),
			HighWindow:       util.GetDurationEnv("ESCALATION_HIGH"),
			MediumWindow:     util.GetDurationEnv("ESCALATION_MEDIUM"),
			LowWindow:        util.GetDurationEnv("ESCALATION_LOW"),
			StaleAfter:       util.GetDurationEnv("ALERT_STALE_AFTER"),
			NotifyTTL:        util.GetDurationEnv("NOTIFY_TTL"),
			QueueLimit:       int(util.GetIntEnv("NOTIFY_QUEUE_LIMIT")),
			ActionDelay:      util.GetDurationEnv("WORKFLOW_ACTION_DELAY"),
			MonitorInterval:  util.GetDurationEnv("WORKFLOW_MONITOR_INTERVAL"),
			MaxDuration:      util.GetDurationEnv("WORKFLOW_MAX_DURATION"),
			CheckInDelay:     util.GetDurationEnv("WORKFLOW_CHECKIN_DELAY"),
			HousekeepingSpec: util.GetEnvDefault("HOUSEKEEPING_SPEC", "@every 1m"),
		},
	}
}

// Windows 返回非零的升级窗口覆盖值
func (d DispatchConfig) Windows() map[string]time.Duration {
	out := map[string]time.Duration{}
	for k, v := range map[string]time.Duration{
		"critical": d.CriticalWindow,
		"high":     d.HighWindow,
		"medium":   d.MediumWindow,
		"low":      d.LowWindow,
	} {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}
