package middleware

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/OFFIS-RIT/kiwi/ingest/pkg/common"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/orchestrator"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/quarantine"
)

// LedgerReader is the read side of the hash ledger.
type LedgerReader interface {
	Entries() []common.LedgerEntry
	Len() int
}

// GraphStats reports the size of the assembled graph.
type GraphStats interface {
	Stats() (nodes int, edges int)
}

// SourceStates reports the orchestrator's view of each source.
type SourceStates interface {
	States() []orchestrator.SourceState
	Buffered() int
}

// UploadQueue reports artifacts waiting to be published.
type UploadQueue interface {
	Pending() int
}

// Checker reports whether a dependency is healthy.
type Checker func(ctx context.Context) error

// App holds everything the admin handlers read. Nil members are reported
// as unavailable.
type App struct {
	Quarantine quarantine.Store
	Ledger     LedgerReader
	Graph      GraphStats
	Sources    SourceStates
	Uploads    UploadQueue
	Gatherer   prometheus.Gatherer
	Checks     map[string]Checker
	AdminToken string
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{c, app})
		}
	}
}
