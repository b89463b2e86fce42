package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/orchestrator"
)

func GetGraphStatsHandler(c echo.Context) error {
	app := c.(*middleware.AppContext).App
	if app.Graph == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Graph unavailable"})
	}

	nodes, edges := app.Graph.Stats()
	res := map[string]int{
		"nodes": nodes,
		"edges": edges,
	}
	if app.Ledger != nil {
		res["ledgerEntries"] = app.Ledger.Len()
	}
	if app.Uploads != nil {
		res["pendingUploads"] = app.Uploads.Pending()
	}
	return c.JSON(http.StatusOK, res)
}

func GetSourcesHandler(c echo.Context) error {
	app := c.(*middleware.AppContext).App
	if app.Sources == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Orchestrator unavailable"})
	}

	type sourcesResponse struct {
		Buffered int                        `json:"buffered"`
		Sources  []orchestrator.SourceState `json:"sources"`
	}
	return c.JSON(http.StatusOK, sourcesResponse{
		Buffered: app.Sources.Buffered(),
		Sources:  app.Sources.States(),
	})
}
