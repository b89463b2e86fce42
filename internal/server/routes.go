package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/ingest/internal/server/routes"
)

func RegisterRoutes(e *echo.Echo, app *middleware.App) {
	e.GET("/health", routes.HealthHandler)

	gatherer := app.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	adminRoutes := e.Group("", middleware.AuthMiddleware)
	adminRoutes.GET("/quarantine", routes.GetQuarantineHandler)
	adminRoutes.GET("/quarantine/counts", routes.GetQuarantineCountsHandler)
	adminRoutes.GET("/ledger", routes.GetLedgerHandler)
	adminRoutes.GET("/graph/stats", routes.GetGraphStatsHandler)
	adminRoutes.GET("/sources", routes.GetSourcesHandler)
}
