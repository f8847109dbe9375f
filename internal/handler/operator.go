package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"dcaengine/internal/service"
)

// OperatorHandler exposes the reconciliation worklist and the runtime feature
// switches. It is meant for the internal network only.
type OperatorHandler struct {
	Strategies *service.StrategyService
	Settings   *service.SystemSettingsService
}

func (h *OperatorHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/operator")
	g.GET("/reconciliation", h.reconciliation)
	g.GET("/switches", h.listSwitches)
	g.PUT("/switches/:key", h.putSwitch)
}

func (h *OperatorHandler) reconciliation(c *gin.Context) {
	if h.Strategies == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	staleAfter := 30 * time.Minute
	if v := strings.TrimSpace(c.Query("stale_after")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			Error(c, http.StatusBadRequest, "invalid stale_after", nil)
			return
		}
		staleAfter = d
	}
	limit, _ := pageQuery(c)
	rec, err := h.Strategies.Reconciliation(c.Request.Context(), staleAfter, limit)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, rec, map[string]any{
		"stale_after": staleAfter.String(),
		"failures":    len(rec.Failures),
		"stale":       len(rec.Stale),
	})
}

func (h *OperatorHandler) listSwitches(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	items, err := h.Settings.Switches(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, items, nil)
}

type switchRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *OperatorHandler) putSwitch(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "enabled required", nil)
		return
	}
	key := strings.TrimSpace(c.Param("key"))
	if err := h.Settings.SetEnabled(c.Request.Context(), key, *req.Enabled); err != nil {
		Fail(c, err)
		return
	}
	Ok(c, gin.H{"key": key, "enabled": *req.Enabled}, nil)
}
