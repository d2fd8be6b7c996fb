package handlers

import (
	"HibiscusCrisis/internal/listeners"
	"HibiscusCrisis/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (h *Handlers) handleWorkflowStatus(c *gin.Context) {
	st, err := h.engine.GetWorkflowStatus(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, "success", st)
}

type completeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) handleCompleteWorkflow(c *gin.Context) {
	var req completeRequest
	_ = c.ShouldBindJSON(&req)
	wf, err := h.engine.CompleteWorkflow(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, "success", wf)
}

func (h *Handlers) handleSystemStatus(c *gin.Context) {
	response.Success(c, "success", h.engine.GetSystemStatus())
}

func (h *Handlers) handleHousekeeping(c *gin.Context) {
	report := h.engine.Housekeeping(c.Request.Context())
	if h.feed != nil {
		_, _ = h.feed.Publish(listeners.GroupSystem, "housekeeping", report)
	}
	response.Success(c, "success", report)
}

// handleEvents 管理后台事件流
func (h *Handlers) handleEvents(c *gin.Context) {
	if h.feed == nil {
		h.fail(c, errNoFeed)
		return
	}
	h.feed.Serve(c, "admin_"+uuid.NewString())
}
