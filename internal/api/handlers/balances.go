package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/leozw/shopcore/internal/auth"
	"github.com/leozw/shopcore/internal/ledger"
	"github.com/leozw/shopcore/internal/reconcile"
)

func (h *Handler) reconciler(admin *auth.TenantAdmin) *reconcile.Service {
	return reconcile.NewService(h.ledger(admin.Conn), h.logger, h.metrics, admin.TenantID,
		reconcile.WithTolerance(h.tolerance))
}

// partyKind accepts both "customer" and "customers".
func partyKind(c *gin.Context) ledger.PartyKind {
	return ledger.PartyKind(strings.TrimSuffix(c.Param("party"), "s"))
}

func party(c *gin.Context) reconcile.Party {
	return reconcile.Party{Kind: partyKind(c), ID: c.Param("id")}
}

// parseAsOf reads ?as_of= as RFC 3339 or a plain date. A plain date
// covers the whole day.
func parseAsOf(c *gin.Context) (*time.Time, bool) {
	raw := c.Query("as_of")
	if raw == "" {
		return nil, true
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, true
	}
	if d, err := time.Parse(time.DateOnly, raw); err == nil {
		end := d.Add(24*time.Hour - time.Nanosecond)
		return &end, true
	}

	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "as_of must be RFC 3339 or YYYY-MM-DD"})
	return nil, false
}

func (h *Handler) GetBalance(c *gin.Context) {
	admin, ok := h.tenantAdmin(c)
	if !ok {
		return
	}
	asOf, ok := parseAsOf(c)
	if !ok {
		return
	}

	balance, err := h.reconciler(admin).ComputeBalance(c.Request.Context(), party(c), asOf)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (h *Handler) VerifyBalance(c *gin.Context) {
	admin, ok := h.tenantAdmin(c)
	if !ok {
		return
	}

	v, err := h.reconciler(admin).VerifyBalance(c.Request.Context(), party(c))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, v)
}

func (h *Handler) SyncBalance(c *gin.Context) {
	admin, ok := h.tenantAdmin(c)
	if !ok {
		return
	}

	balance, err := h.reconciler(admin).SyncBalance(c.Request.Context(), party(c))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (h *Handler) VerifyAllBalances(c *gin.Context) {
	admin, ok := h.tenantAdmin(c)
	if !ok {
		return
	}

	report, err := h.reconciler(admin).VerifyAll(c.Request.Context(), partyKind(c))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, report)
}
