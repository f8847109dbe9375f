package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"dcaengine/internal/models"
	"dcaengine/internal/service"
)

type StrategyHandler struct {
	Service *service.StrategyService
}

func (h *StrategyHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/strategies")
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/executions", h.executions)
	g.POST("/:id/pause", h.pause)
	g.POST("/:id/resume", h.resume)
	g.POST("/:id/stop", h.stop)
}

type createStrategyRequest struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

func (h *StrategyHandler) create(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req createStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	item, err := h.Service.Create(c.Request.Context(), service.CreateStrategyInput{
		UserID: userID,
		Type:   req.Type,
		Params: req.Params,
	})
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, apiResponse{Message: "ok", Data: item})
}

func (h *StrategyHandler) list(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	limit, offset := pageQuery(c)
	items, err := h.Service.List(c.Request.Context(), userID, c.Query("status"), limit, offset)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, len(items)))
}

func (h *StrategyHandler) get(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	item, err := h.Service.Get(c.Request.Context(), userID, id)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, item, nil)
}

func (h *StrategyHandler) executions(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	limit, offset := pageQuery(c)
	items, err := h.Service.ListExecutions(c.Request.Context(), userID, id, limit, offset)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, len(items)))
}

func (h *StrategyHandler) pause(c *gin.Context)  { h.transition(c, h.Service.Pause) }
func (h *StrategyHandler) resume(c *gin.Context) { h.transition(c, h.Service.Resume) }
func (h *StrategyHandler) stop(c *gin.Context)   { h.transition(c, h.Service.Stop) }

func (h *StrategyHandler) transition(c *gin.Context, fn func(context.Context, string, uint64) (*models.Strategy, error)) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	item, err := fn(c.Request.Context(), userID, id)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, item, nil)
}
