package server

import (
	"github.com/labstack/echo/v4"

	"github.com/hey-memory/LR4HCAR/internal/server/middleware"
	"github.com/hey-memory/LR4HCAR/internal/server/routes"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	apiRoutes.GET("/structures", routes.GetStructuresHandler)
	apiRoutes.GET("/datasets", routes.GetDatasetsHandler, middleware.RequirePermission(middleware.PermissionDatasetView))

	// Run routes
	apiRoutes.GET("/runs", routes.GetRunsHandler, middleware.RequirePermission(middleware.PermissionRunView))
	apiRoutes.POST("/runs", routes.CreateRunHandler, middleware.RequirePermission(middleware.PermissionRunCreate))
	apiRoutes.GET("/runs/:id", routes.GetRunHandler, middleware.RequirePermission(middleware.PermissionRunView))
	apiRoutes.DELETE("/runs/:id", routes.DeleteRunHandler, middleware.RequirePermission(middleware.PermissionRunDelete))
	apiRoutes.GET("/runs/:id/metrics", routes.GetRunMetricsHandler, middleware.RequirePermission(middleware.PermissionRunView))
	apiRoutes.GET("/runs/:id/logs", routes.GetRunLogsHandler, middleware.RequirePermission(middleware.PermissionRunView))
	apiRoutes.GET("/runs/:id/rankings", routes.GetRunRankingsHandler, middleware.RequirePermission(middleware.PermissionRunView))
}
