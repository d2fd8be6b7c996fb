package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"HibiscusCrisis/pkg/cache"
	"HibiscusCrisis/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type IdempotencyConfig struct {
	HeaderName string        // Idempotency-Key 的请求头名
	TTL        time.Duration // 决定一段时间内重复请求的拒绝窗口
	Store      cache.Cache   // 多实例部署时用 Redis
}

// IdempotencyMiddleware 拒绝窗口内重复提交的写请求。
// 未带幂等键时以 方法+路径+调用方+请求体 的哈希作为键；处理失败（5xx）时释放键允许重试。
func IdempotencyMiddleware(cfg IdempotencyConfig) gin.HandlerFunc {
	if cfg.HeaderName == "" {
		cfg.HeaderName = "Idempotency-Key"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	store := cfg.Store
	if store == nil {
		store = cache.NewGoCache(cache.LocalConfig{DefaultExpiration: cfg.TTL, CleanupInterval: time.Minute})
	}
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}
		key := strings.TrimSpace(c.GetHeader(cfg.HeaderName))
		if key == "" {
			b, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(b))
			h := sha256.New()
			h.Write([]byte(c.Request.Method + " " + c.Request.URL.Path + " " + ClientIdentity(c) + "\n"))
			h.Write(b)
			key = hex.EncodeToString(h.Sum(nil))
		}
		key = "idem:" + key

		ok, err := store.SetNX(c.Request.Context(), key, "1", cfg.TTL)
		if err != nil {
			// 存储故障时放行，危机请求不能因此被拒
			logger.Warn("idempotency store failed", zap.Error(err))
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "message": "duplicate request"})
			return
		}
		c.Next()
		if c.Writer.Status() >= http.StatusInternalServerError {
			_ = store.Delete(c.Request.Context(), key)
		}
	}
}
