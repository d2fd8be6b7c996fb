package handlers

import (
	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/pkg/logger"
	"HibiscusCrisis/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *Handlers) handleRegisterResponder(c *gin.Context) {
	var p models.ResponderProfile
	if err := c.ShouldBindJSON(&p); err != nil {
		h.invalid(c, err)
		return
	}
	saved, err := h.engine.RegisterResponder(p)
	if err != nil {
		h.fail(c, err)
		return
	}
	if h.store != nil {
		if err := h.store.SaveResponder(c.Request.Context(), saved); err != nil {
			logger.Warn("persist responder failed", zap.String("responder", saved.ID), zap.Error(err))
		}
	}
	response.Success(c, "success", saved)
}

type availabilityRequest struct {
	Online *bool `json:"online" binding:"required"`
}

func (h *Handlers) handleAvailability(c *gin.Context) {
	var req availabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.invalid(c, err)
		return
	}
	flushed, err := h.engine.UpdateResponderAvailability(c.Request.Context(), c.Param("id"), *req.Online)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, "success", gin.H{"responderId": c.Param("id"), "online": *req.Online, "flushed": flushed})
}

type ackRequest struct {
	ResponderID string `json:"responderId" binding:"required"`
}

func (h *Handlers) handleAcknowledge(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.invalid(c, err)
		return
	}
	if err := h.engine.AcknowledgeNotification(c.Param("id"), req.ResponderID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, "success", gin.H{"notificationId": c.Param("id")})
}
