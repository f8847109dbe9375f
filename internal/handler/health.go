package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"dcaengine/internal/metrics"
)

// BlockNumberReader is the part of the chain client readiness needs.
type BlockNumberReader interface {
	GetBlockNumber(ctx context.Context) (uint64, error)
}

type HealthHandler struct {
	DB    *gorm.DB
	Chain BlockNumberReader
}

func (h *HealthHandler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/readyz", h.ready)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
}

func (h *HealthHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HealthHandler) ready(c *gin.Context) {
	if h.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_missing"})
		return
	}
	sqlDB, err := h.DB.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_error"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_unreachable"})
		return
	}
	if h.Chain != nil {
		head, err := h.Chain.GetBlockNumber(ctx)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "rpc_unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "block": head})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
