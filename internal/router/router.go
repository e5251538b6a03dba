package router

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"pulsecrm/internal/handler/api"
	"pulsecrm/internal/middleware"
	"pulsecrm/internal/scheduler"
)

// Setup configures all routes for the Echo server.
func Setup(
	e *echo.Echo,
	orch *scheduler.Orchestrator,
	logger *zap.Logger,
	apiKey string,
	callbackDeduper middleware.CallbackDeduper,
) {
	// Global middleware
	e.Use(echomw.Recover())
	e.Use(middleware.CORS())

	schedulerHandler := api.NewSchedulerHandler(orch, logger)

	// Admin/API surface, token-guarded
	g := e.Group("/api/scheduler", middleware.APIAuth(apiKey))
	g.POST("/config", schedulerHandler.SaveConfig)
	g.GET("/config", schedulerHandler.GetConfig)
	g.DELETE("/config", schedulerHandler.DeleteConfig)
	g.GET("/status", schedulerHandler.GetStatus)
	g.POST("/trigger", schedulerHandler.ManualTrigger)
	g.GET("/active", schedulerHandler.ListActive)

	// Workflow-facing completion callback, deduped instead of token-guarded
	e.POST("/api/scheduler/callback", schedulerHandler.WorkflowCallback,
		middleware.WorkflowCallbackDedup(callbackDeduper))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}
