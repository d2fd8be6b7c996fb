package middleware

import (
	"time"

	"HibiscusCrisis/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 身份头，由上游网关注入
const (
	HeaderClientRole = "X-Client-Role"
	HeaderClientID   = "X-Client-ID"
)

// ClientIdentity 调用方身份：role:id，缺失时退回客户端IP
func ClientIdentity(c *gin.Context) string {
	role, id := c.GetHeader(HeaderClientRole), c.GetHeader(HeaderClientID)
	if role != "" && id != "" {
		return role + ":" + id
	}
	return "ip:" + clientIPFromRequest(c)
}

// OperationLogMiddleware 记录改变警报或响应者状态的操作，供事后复盘
func OperationLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.Method == "GET" {
			return
		}
		target := c.FullPath()
		if target == "" {
			target = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("operator", ClientIdentity(c)),
			zap.String("method", c.Request.Method),
			zap.String("target", target),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		logger.Info("operation", fields...)
	}
}
