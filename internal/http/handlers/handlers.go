// Handler wiring. Handlers are transport-thin: they validate input, call the
// engine/repo layer, and translate results into HTTP responses.
package handlers

import (
	"context"

	"gorm.io/gorm"

	"github.com/browserfarm/orchestrator/internal/containers"
	"github.com/browserfarm/orchestrator/internal/engine"
	"github.com/browserfarm/orchestrator/internal/profiles"
	"github.com/browserfarm/orchestrator/internal/upstream"
)

// Solver runs one solve request end to end and reports the HTTP status the
// outcome maps to. Satisfied by *engine.Executor.
type Solver interface {
	Solve(ctx context.Context, req *engine.SolveRequest) (int, *engine.SolveResponse)
}

// Handlers groups the HTTP endpoints of the orchestrator. It depends on the
// Solver interface for solve traffic and on concrete infrastructure for the
// admin surface (status, leases, reports).
type Handlers struct {
	db     *gorm.DB
	solver Solver
	status *containers.StatusCollector
	locks  *profiles.ProfileLock
	pool   *upstream.Pool
}

// New constructs a Handlers instance bound to the given dependencies.
func New(db *gorm.DB, solver Solver, status *containers.StatusCollector, locks *profiles.ProfileLock, pool *upstream.Pool) *Handlers {
	return &Handlers{db: db, solver: solver, status: status, locks: locks, pool: pool}
}
