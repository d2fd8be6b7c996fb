package cache

import (
	"context"
	"time"
)

// Cache 键值缓存接口，用于幂等键和跨实例的短期状态
type Cache interface {
	// Get 获取缓存值
	Get(ctx context.Context, key string) (string, bool)

	// Set 设置缓存值
	Set(ctx context.Context, key string, value string, expiration time.Duration) error

	// SetNX 仅当键不存在时设置，返回是否设置成功
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)

	// Delete 删除缓存
	Delete(ctx context.Context, key string) error

	// Exists 检查键是否存在
	Exists(ctx context.Context, key string) bool

	// Close 关闭缓存连接
	Close() error
}

// Config 缓存配置
type Config struct {
	// 缓存类型: "memory" 或 "redis"
	Type string `json:"type" env:"CACHE_TYPE"`

	Redis RedisConfig `json:"redis"`

	Local LocalConfig `json:"local"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `json:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`

	// 连接池大小
	PoolSize int `json:"pool_size" env:"REDIS_POOL_SIZE"`

	DialTimeout  time.Duration `json:"dial_timeout" env:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" env:"REDIS_WRITE_TIMEOUT"`

	// 键前缀，多服务共用一个库时区分命名空间
	Prefix string `json:"prefix" env:"REDIS_PREFIX"`
}

// LocalConfig 本地缓存配置
type LocalConfig struct {
	DefaultExpiration time.Duration `json:"default_expiration" env:"CACHE_DEFAULT_EXPIRATION"`
	CleanupInterval   time.Duration `json:"cleanup_interval" env:"CACHE_CLEANUP_INTERVAL"`
}
