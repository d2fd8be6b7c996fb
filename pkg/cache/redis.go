package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCache Redis缓存实现
type redisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache 创建Redis缓存
func NewRedisCache(config RedisConfig) (Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &redisCache{client: client, prefix: config.Prefix}, nil
}

func (rc *redisCache) key(k string) string {
	return rc.prefix + k
}

func (rc *redisCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := rc.client.Get(ctx, rc.key(key)).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (rc *redisCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	return rc.client.Set(ctx, rc.key(key), value, expiration).Err()
}

func (rc *redisCache) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	ok, err := rc.client.SetNX(ctx, rc.key(key), value, expiration).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return ok, nil
}

func (rc *redisCache) Delete(ctx context.Context, key string) error {
	return rc.client.Del(ctx, rc.key(key)).Err()
}

func (rc *redisCache) Exists(ctx context.Context, key string) bool {
	return rc.client.Exists(ctx, rc.key(key)).Val() > 0
}

func (rc *redisCache) Close() error {
	return rc.client.Close()
}

// RedisClient 取出底层客户端，供限流等需要原生命令的组件复用连接
func RedisClient(c Cache) (*redis.Client, bool) {
	rc, ok := c.(*redisCache)
	if !ok {
		return nil, false
	}
	return rc.client, true
}
