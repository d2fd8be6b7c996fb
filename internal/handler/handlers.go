package handlers

import (
	"context"
	"net/http"
	"strings"

	"HibiscusCrisis/internal/engine"
	"HibiscusCrisis/internal/store"
	"HibiscusCrisis/pkg/errors"
	"HibiscusCrisis/pkg/i18n"
	"HibiscusCrisis/pkg/logger"
	"HibiscusCrisis/pkg/middleware"
	"HibiscusCrisis/pkg/response"
	"HibiscusCrisis/pkg/sse"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Handlers struct {
	engine *engine.Engine
	store  *store.GormStore
	db     *gorm.DB
	i18n   *i18n.I18nSupport
	feed   *sse.Hub
}

func NewHandlers(eng *engine.Engine, db *gorm.DB, tr *i18n.I18nSupport, feed *sse.Hub) *Handlers {
	h := &Handlers{engine: eng, db: db, i18n: tr, feed: feed}
	if db != nil {
		h.store = store.New(db)
	}
	return h
}

// fail 按错误码返回本地化的错误说明
func (h *Handlers) fail(c *gin.Context, err error) {
	key := "internal_error"
	switch errors.HTTPStatus(err) {
	case http.StatusNotFound:
		key = "not_found"
	case http.StatusConflict, http.StatusUnprocessableEntity:
		key = "conflict"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		key = "unavailable"
	case http.StatusBadRequest:
		key = "invalid_request"
	}
	if key == "internal_error" {
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	response.Error(c, err, h.t(c, key))
}

func (h *Handlers) invalid(c *gin.Context, err error) {
	response.Fail(c, h.t(c, "invalid_request"), gin.H{"error": err.Error()})
}

func (h *Handlers) t(c *gin.Context, key string) string {
	if h.i18n == nil {
		return key
	}
	lang := middleware.Lang(c)
	if lang == "" {
		return h.i18n.TWithDefaultLang(key, nil)
	}
	return h.i18n.T(lang, key, nil)
}

// responderFromTopic 从 responder:<id> 中取出响应者ID
func responderFromTopic(topic string) (string, bool) {
	const prefix = "responder:"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	return strings.TrimPrefix(topic, prefix), true
}

// OnConnect 接入实时通道时重放离线通知；响应者同时标记为在线
func (h *Handlers) OnConnect(topic string) {
	if id, ok := responderFromTopic(topic); ok {
		n, err := h.engine.UpdateResponderAvailability(context.Background(), id, true)
		if err != nil && !errors.IsCode(err, errors.CodeNotFound) {
			logger.Warn("mark responder online failed", zap.String("responder", id), zap.Error(err))
		}
		if err == nil {
			logger.Debug("responder connected", zap.String("responder", id), zap.Int("flushed", n))
			return
		}
	}
	h.engine.Bus().Flush(topic)
}

// OnDisconnect 响应者的实时连接全部断开时标记为离线
func (h *Handlers) OnDisconnect(topic string) {
	id, ok := responderFromTopic(topic)
	if !ok {
		return
	}
	if err := h.engine.ResponderDisconnected(context.Background(), id); err != nil && !errors.IsCode(err, errors.CodeNotFound) {
		logger.Warn("mark responder offline failed", zap.String("responder", id), zap.Error(err))
	}
}
