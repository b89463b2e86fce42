package routes

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/quarantine"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/verify"
)

func GetQuarantineHandler(c echo.Context) error {
	type getQuarantineParams struct {
		Reason string `query:"reason"`
		Source string `query:"source"`
		Since  string `query:"since"`
		Limit  int    `query:"limit" validate:"gte=0,lte=1000"`
	}

	params := new(getQuarantineParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if params.Limit == 0 {
		params.Limit = 100
	}
	var since time.Time
	if params.Since != "" {
		t, err := time.Parse(time.RFC3339, params.Since)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid since, expected RFC 3339"})
		}
		since = t
	}

	store := c.(*middleware.AppContext).App.Quarantine
	if store == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Quarantine unavailable"})
	}

	entries, err := store.List(c.Request().Context(), quarantine.Filter{
		Reason: verify.Reason(params.Reason),
		Source: params.Source,
		Since:  since,
		Limit:  params.Limit,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	if entries == nil {
		entries = []quarantine.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func GetQuarantineCountsHandler(c echo.Context) error {
	store := c.(*middleware.AppContext).App.Quarantine
	if store == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Quarantine unavailable"})
	}

	counts, err := quarantine.Counts(c.Request().Context(), store)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	return c.JSON(http.StatusOK, counts)
}
