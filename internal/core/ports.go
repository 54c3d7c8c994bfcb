// Package core holds Ports, the explicit context passed to every engine
// constructor in place of process-wide singletons.
package core

import (
	"log/slog"

	"github.com/atmx/market-maker/internal/audit"
	"github.com/atmx/market-maker/internal/clock"
	"github.com/atmx/market-maker/internal/store"
)

// Ports aggregates the external collaborators consumed by the engines.
type Ports struct {
	Clock  clock.Clock
	Store  store.Store
	Audit  audit.Sink
	Logger *slog.Logger
}

// WithDefaults returns a copy where every nil collaborator is replaced by its
// null adapter: the system clock, an in-memory store, a discarding audit sink
// and the default logger.
func (p Ports) WithDefaults() Ports {
	if p.Clock == nil {
		p.Clock = clock.System{}
	}
	if p.Store == nil {
		p.Store = store.NewMemoryStore()
	}
	if p.Audit == nil {
		p.Audit = audit.Nop{}
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}
