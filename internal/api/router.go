package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/leozw/shopcore/internal/api/handlers"
	"github.com/leozw/shopcore/internal/api/middleware"
)

const (
	PermAutomationRun  = "automation.run"
	PermAutomationRead = "automation.read"
	PermBalancesRead   = "balances.read"
	PermBalancesSync   = "balances.sync"
)

type Server struct {
	Router   *gin.Engine
	handler  *handlers.Handler
	resolver middleware.Resolver
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

func NewServer(mode string, handler *handlers.Handler, resolver middleware.Resolver, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if mode != "" {
		gin.SetMode(mode)
	}
	router := gin.New()

	// Middleware
	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())

	server := &Server{
		Router:   router,
		handler:  handler,
		resolver: resolver,
		gatherer: gatherer,
		logger:   logger,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	h := s.handler

	// Health check
	s.Router.GET("/health", h.Health)
	s.Router.GET("/ready", h.Ready)
	if s.gatherer != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	// API routes (protected)
	api := s.Router.Group("/api/v1")
	api.Use(middleware.Authenticate(s.resolver, s.logger))

	// Shop routes
	shop := api.Group("")
	shop.Use(middleware.Tenant())
	{
		shop.POST("/automation/run", middleware.RequirePermission(PermAutomationRun), h.RunAutomation)
		shop.GET("/automation/status", middleware.RequirePermission(PermAutomationRun, PermAutomationRead), h.AutomationStatus)

		shop.GET("/balances/:party/:id", middleware.RequirePermission(PermBalancesRead), h.GetBalance)
		shop.GET("/balances/:party/:id/verify", middleware.RequirePermission(PermBalancesRead), h.VerifyBalance)
		shop.POST("/balances/:party/:id/sync", middleware.RequirePermission(PermBalancesSync), h.SyncBalance)
		shop.GET("/reconciliation/:party", middleware.RequireAdmin(), h.VerifyAllBalances)
	}

	// Platform routes
	platform := api.Group("/platform")
	platform.Use(middleware.RequirePlatformOperator())
	{
		platform.POST("/tenants", h.ProvisionTenant)
		platform.PUT("/tenants/:id/status", h.UpdateTenantStatus)
		platform.PUT("/tenants/:id/subscription", h.UpdateTenantSubscription)

		platform.POST("/automation/run", h.TriggerSweep)
		platform.POST("/automation/tenants/:id/run", h.TriggerTenantRun)
		platform.GET("/automation/status", h.SchedulerStatus)
	}
}

