package handlers

import (
	"strconv"

	"HibiscusCrisis/internal/engine"
	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/pkg/errors"
	"HibiscusCrisis/pkg/middleware"
	"HibiscusCrisis/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (h *Handlers) handleProcessMessage(c *gin.Context) {
	var req engine.MessageInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.invalid(c, err)
		return
	}
	res, err := h.engine.ProcessMessage(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, "success", res)
}

type dispatchRequest struct {
	Analysis models.CrisisAnalysis `json:"analysis"`
	Subject  models.Subject        `json:"subject"`
}

func (h *Handlers) handleDispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.invalid(c, err)
		return
	}
	if req.Subject.MessageID == "" {
		req.Subject.MessageID = uuid.NewString()
	}
	out, err := h.engine.Dispatch(c.Request.Context(), req.Analysis, req.Subject)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, "success", out)
}

// handleGetAlert 内存中找不到时回落到库里的历史记录
func (h *Handlers) handleGetAlert(c *gin.Context) {
	id := c.Param("id")
	a, err := h.engine.GetAlert(id)
	if err != nil && errors.IsCode(err, errors.CodeNotFound) && h.store != nil {
		a, err = h.store.FindAlert(c.Request.Context(), id)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, "success", a)
}

type respondRequest struct {
	ResponderID string `json:"responderId"`
	Action      string `json:"action" binding:"required"`
	Reason      string `json:"reason"`
}

func (h *Handlers) handleRespond(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.invalid(c, err)
		return
	}
	if req.ResponderID == "" && c.GetHeader(middleware.HeaderClientRole) == "responder" {
		req.ResponderID = c.GetHeader(middleware.HeaderClientID)
	}
	if req.ResponderID == "" {
		h.invalid(c, errors.InvalidParameter("responderId is required"))
		return
	}
	if err := h.engine.HandleResponderResponse(c.Request.Context(), c.Param("id"), req.ResponderID, req.Action, req.Reason); err != nil {
		h.fail(c, err)
		return
	}
	a, _ := h.engine.GetAlert(c.Param("id"))
	response.Success(c, "success", a)
}

type resolveRequest struct {
	Outcome    string `json:"outcome"`
	Notes      string `json:"notes"`
	ResolvedBy string `json:"resolvedBy"`
}

func (h *Handlers) handleResolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.invalid(c, err)
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = middleware.ClientIdentity(c)
	}
	a, err := h.engine.ResolveAlert(c.Request.Context(), c.Param("id"), req.Outcome, req.Notes, req.ResolvedBy)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, "success", a)
}

// handleListAlerts 分页查询历史警报
func (h *Handlers) handleListAlerts(c *gin.Context) {
	if h.store == nil {
		response.Success(c, "success", gin.H{"items": []models.Alert{}, "total": 0})
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 200 {
		size = 20
	}
	items, total, err := h.store.ListAlerts(c.Request.Context(), c.Query("status"), (page-1)*size, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, "success", gin.H{"items": items, "total": total, "page": page, "size": size})
}
