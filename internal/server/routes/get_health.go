package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/server/middleware"
)

func HealthHandler(c echo.Context) error {
	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	status := map[string]string{}
	healthy := true
	for name, check := range app.Checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}

	if !healthy {
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	if len(status) == 0 {
		return c.String(http.StatusOK, "OK")
	}
	return c.JSON(http.StatusOK, status)
}
