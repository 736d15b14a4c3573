package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/leozw/shopcore/internal/core"
	"github.com/leozw/shopcore/internal/provisioning"
)

type UpdateStatusRequest struct {
	Status core.TenantStatus `json:"status" binding:"required,oneof=active inactive suspended"`
}

func (h *Handler) ProvisionTenant(c *gin.Context) {
	var req provisioning.Input
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenant, err := h.tenants.Provision(c.Request.Context(), req)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, tenant)
}

func (h *Handler) UpdateTenantStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenant, err := h.tenants.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, tenant)
}

func (h *Handler) UpdateTenantSubscription(c *gin.Context) {
	var req provisioning.Subscription
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenant, err := h.tenants.UpdateSubscription(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, tenant)
}
