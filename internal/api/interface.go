package api

import (
	"context"

	"github.com/mattjoyce/courier/internal/dispatch"
	"github.com/mattjoyce/courier/internal/fetch"
	"github.com/mattjoyce/courier/internal/history"
)

//go:generate mockgen -destination=mocks/mock_api.go -package=mocks github.com/mattjoyce/courier/internal/api Dispatcher,HistoryStore

// Dispatcher is the subset of *dispatch.Worker the server drives.
type Dispatcher interface {
	Dispatch(r dispatch.Request) error
	Poll() int
	Ready() <-chan struct{}
	Stats() dispatch.Stats
}

// HistoryStore records finished fetches and answers lookups for fetches the
// server no longer tracks in memory.
type HistoryStore interface {
	Record(ctx context.Context, res fetch.Result) error
	Get(ctx context.Context, id string) (history.Entry, error)
}
