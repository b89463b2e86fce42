package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
)

// GetLedgerHandler returns the newest ledger entries first.
func GetLedgerHandler(c echo.Context) error {
	type getLedgerParams struct {
		Kind  string `query:"kind" validate:"omitempty,oneof=document record graph-snapshot ledger-snapshot"`
		Limit int    `query:"limit" validate:"gte=0,lte=10000"`
	}

	params := new(getLedgerParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if params.Limit == 0 {
		params.Limit = 100
	}

	l := c.(*middleware.AppContext).App.Ledger
	if l == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Ledger unavailable"})
	}

	all := l.Entries()
	out := make([]common.LedgerEntry, 0, min(params.Limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < params.Limit; i-- {
		if params.Kind != "" && string(all[i].ArtifactKind) != params.Kind {
			continue
		}
		out = append(out, all[i])
	}
	return c.JSON(http.StatusOK, out)
}
