package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// 身份头，由上游网关注入
const (
	HeaderRole = "X-Client-Role"
	HeaderID   = "X-Client-ID"
)

// Handler WebSocket HTTP处理器
type Handler struct {
	hub *Hub
}

// NewHandler 创建新的WebSocket处理器
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes 统一注册路由
func RegisterRoutes(r gin.IRoutes, handler *Handler) {
	r.GET(RouteWebSocket, handler.HandleWebSocket)
	r.GET(RouteWebSocketStats, handler.GetStats)
	r.GET(RouteWebSocketHealth, handler.HealthCheck)
}

// TopicFor 由角色与ID得到房间主题
func TopicFor(role, id string) (string, bool) {
	switch strings.ToLower(role) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleResponder, RoleUser:
		if id == "" {
			return "", false
		}
		return strings.ToLower(role) + ":" + id, true
	}
	return "", false
}

// HandleWebSocket 处理WebSocket连接请求，身份取自请求头或查询参数
func (h *Handler) HandleWebSocket(c *gin.Context) {
	role := c.GetHeader(HeaderRole)
	if role == "" {
		role = c.Query("role")
	}
	id := c.GetHeader(HeaderID)
	if id == "" {
		id = c.Query("id")
	}
	topic, ok := TopicFor(role, id)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrUnknownRole})
		return
	}
	_ = ServeTopic(h.hub, c.Writer, c.Request, topic)
}

// GetStats 获取WebSocket统计信息
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"total_connections":  h.hub.GetConnectionCount(),
		"max_connections":    h.hub.config.MaxConnections,
		"heartbeat_interval": h.hub.config.HeartbeatInterval.String(),
		"connection_timeout": h.hub.config.ConnectionTimeout.String(),
		"rooms":              h.hub.RoomStats(),
	})
}

// HealthCheck WebSocket健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	if h.hub.ctx.Err() != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "WebSocket Hub已关闭",
		})
		return
	}

	total := h.hub.GetConnectionCount()
	limit := h.hub.config.MaxConnections
	status := "healthy"
	if total >= limit*9/10 { // 90%以上认为警告
		status = "warning"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            status,
		"total_connections": total,
		"max_connections":   limit,
		"timestamp":         time.Now().Unix(),
	})
}
