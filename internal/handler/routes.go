package handlers

import (
	"net/http"
	"time"

	"HibiscusCrisis/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// RouteOptions 路由上可选的中间件
type RouteOptions struct {
	APIPrefix   string
	AdminPrefix string
	// 管理端签名密钥，为空时不校验
	AdminSecret string
	Idempotency gin.HandlerFunc
	RateLimit   gin.HandlerFunc
}

func (h *Handlers) Register(engine *gin.Engine, opts RouteOptions) {
	engine.GET("/health", h.HealthCheck)

	r := engine.Group(opts.APIPrefix)
	if h.i18n != nil {
		r.Use(middleware.LanguageMiddleware(h.i18n))
	}
	if opts.RateLimit != nil {
		r.Use(opts.RateLimit)
	}
	r.Use(middleware.OperationLogMiddleware())

	writes := []gin.HandlerFunc{}
	if opts.Idempotency != nil {
		writes = append(writes, opts.Idempotency)
	}

	// 用户消息与警报；消息按 messageId 去重，不走幂等中间件
	r.POST("/messages", h.handleProcessMessage)
	r.POST("/alerts", append(writes, h.handleDispatch)...)
	r.GET("/alerts/:id", h.handleGetAlert)
	r.POST("/alerts/:id/respond", h.handleRespond)
	r.POST("/alerts/:id/resolve", append(writes, h.handleResolve)...)

	// 响应者与通知
	r.POST("/responders", h.handleRegisterResponder)
	r.PUT("/responders/:id/availability", h.handleAvailability)
	r.POST("/notifications/:id/ack", h.handleAcknowledge)

	// 工作流
	r.GET("/workflows/:id", h.handleWorkflowStatus)
	r.POST("/workflows/:id/complete", h.handleCompleteWorkflow)

	r.GET("/status", h.handleSystemStatus)

	if opts.AdminPrefix != "" {
		admin := r.Group(opts.AdminPrefix)
		admin.Use(middleware.SignVerifyMiddleware(opts.AdminSecret))
		h.RegisterAdmin(admin)
	}
}

// RegisterAdmin 管理后台
func (h *Handlers) RegisterAdmin(r *gin.RouterGroup) {
	r.GET("/alerts", h.handleListAlerts)
	r.GET("/events", h.handleEvents)
	r.POST("/housekeeping", h.handleHousekeeping)
}

// HealthCheck 健康检查接口
func (h *Handlers) HealthCheck(c *gin.Context) {
	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database connection failed"})
			return
		}
		if err := sqlDB.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database ping failed"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().Unix()})
}
