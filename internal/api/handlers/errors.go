package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/leozw/shopcore/internal/auth"
	"github.com/leozw/shopcore/internal/automation"
	"github.com/leozw/shopcore/internal/ledger"
	"github.com/leozw/shopcore/internal/provisioning"
	"github.com/leozw/shopcore/internal/reconcile"
	"github.com/leozw/shopcore/internal/registry"
	"github.com/leozw/shopcore/internal/scheduler"
	"github.com/leozw/shopcore/internal/storage/postgres"
)

// ErrorStatus maps a service error onto the HTTP status the API answers
// with. Anything unrecognised is a 500.
func ErrorStatus(err error) int {
	var (
		authErr        *auth.Error
		unreachableErr *auth.TenantUnreachableError
		connErr        *registry.ConnectionError
		validationErr  *provisioning.ValidationError
	)

	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &unreachableErr), errors.As(err, &connErr), registry.IsDisconnect(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, automation.ErrBusy), errors.Is(err, provisioning.ErrTenantExists),
		errors.Is(err, scheduler.ErrTenantInactive):
		return http.StatusConflict
	case errors.As(err, &validationErr), errors.Is(err, reconcile.ErrInvalidParty):
		return http.StatusBadRequest
	case errors.Is(err, postgres.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// RespondError writes err as {"error": ...}. Internal errors are logged
// and hidden from the caller.
func RespondError(c *gin.Context, logger *zap.Logger, err error) {
	status := ErrorStatus(err)

	message := err.Error()
	var unreachableErr *auth.TenantUnreachableError
	switch {
	case status == http.StatusInternalServerError:
		logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		message = "Internal server error"
	case errors.As(err, &unreachableErr), status == http.StatusServiceUnavailable:
		logger.Warn("Tenant database unavailable", zap.Error(err))
		message = "Tenant database unavailable"
	}

	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
