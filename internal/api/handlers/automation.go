package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/leozw/shopcore/internal/automation"
	"github.com/leozw/shopcore/internal/storage/redis"
)

// RunAutomation converts the caller's pending orders now. It answers 409
// straight away if a run for the shop is already going.
func (h *Handler) RunAutomation(c *gin.Context) {
	admin, ok := h.tenantAdmin(c)
	if !ok {
		return
	}

	// the run outlives a dropped client connection
	ctx := context.WithoutCancel(c.Request.Context())

	res, err := h.engine.Run(ctx, admin.TenantID, h.ledger(admin.Conn))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	if h.runs != nil {
		if err := h.runs.SaveLastRun(ctx, admin.TenantID, res); err != nil {
			h.logger.Debug("Failed to publish run result", zap.String("tenant_id", admin.TenantID), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) AutomationStatus(c *gin.Context) {
	admin, ok := h.tenantAdmin(c)
	if !ok {
		return
	}

	response := gin.H{
		"tenant_id": admin.TenantID,
		"state":     h.engine.State(admin.TenantID),
	}

	if h.runs != nil {
		var last automation.Result
		err := h.runs.LastRun(c.Request.Context(), admin.TenantID, &last)
		switch {
		case err == nil:
			response["last_run"] = last
		case errors.Is(err, redis.ErrNotFound):
		default:
			h.logger.Warn("Failed to read last run", zap.String("tenant_id", admin.TenantID), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, response)
}

// TriggerSweep runs automation across every active tenant. Platform
// operators only.
func (h *Handler) TriggerSweep(c *gin.Context) {
	report, err := h.scheduler.Trigger(context.WithoutCancel(c.Request.Context()))
	if err != nil && report == nil {
		RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (h *Handler) TriggerTenantRun(c *gin.Context) {
	res, err := h.scheduler.TriggerTenant(context.WithoutCancel(c.Request.Context()), c.Param("id"))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) SchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}
