package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// goCacheWrapper go-cache包装器
type goCacheWrapper struct {
	cache *gocache.Cache
}

// NewGoCache 创建基于go-cache的本地缓存
func NewGoCache(config LocalConfig) Cache {
	exp := config.DefaultExpiration
	if exp <= 0 {
		exp = 5 * time.Minute
	}
	cleanup := config.CleanupInterval
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &goCacheWrapper{cache: gocache.New(exp, cleanup)}
}

func (gc *goCacheWrapper) Get(ctx context.Context, key string) (string, bool) {
	v, found := gc.cache.Get(key)
	if !found {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (gc *goCacheWrapper) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	gc.cache.Set(key, value, expiration)
	return nil
}

// SetNX go-cache 的 Add 在键存在时返回错误，本身是原子的
func (gc *goCacheWrapper) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	if err := gc.cache.Add(key, value, expiration); err != nil {
		return false, nil
	}
	return true, nil
}

func (gc *goCacheWrapper) Delete(ctx context.Context, key string) error {
	gc.cache.Delete(key)
	return nil
}

func (gc *goCacheWrapper) Exists(ctx context.Context, key string) bool {
	_, found := gc.cache.Get(key)
	return found
}

// Close go-cache不需要关闭连接
func (gc *goCacheWrapper) Close() error {
	return nil
}

// ItemCount 获取缓存项数量
func (gc *goCacheWrapper) ItemCount() int {
	return gc.cache.ItemCount()
}
