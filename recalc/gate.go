// Package recalc implements the Recalc Gate (C3): a process-wide bounded
// semaphore limiting how many external recalc-backend invocations may run
// concurrently.
package recalc

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/sheetmcp/forkcore"
)

// Gate is a process-wide weighted semaphore of capacity in [1, 100]. The
// zero value is not usable; construct with NewGate.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
}

// NewGate constructs a Gate with the given capacity.
func NewGate(capacity int) (*Gate, error) {
	if capacity < 1 || capacity > 100 {
		return nil, fmt.Errorf("recalc: capacity must be in [1, 100], got %d", capacity)
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}, nil
}

// Permit is a held slot in the gate. It must be released exactly once, via
// Release, in the reverse order of acquisition relative to any other locks
// held by the caller.
type Permit struct {
	gate *Gate
}

// Acquire blocks until a permit is available or ctx is done. If ctx is
// cancelled or its deadline elapses while waiting, no permit is charged:
// the wait is abandoned cleanly and Acquire returns ctx.Err() wrapped as a
// Timeout/cancellation error, never a held Permit.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, forkcore.NewError(forkcore.Timeout, err, "recalc-gate")
	}
	return &Permit{gate: g}, nil
}

// Release returns the permit to the gate. Call it at most once per Permit:
// each call frees one slot. Calling it on a nil Permit is a no-op so callers
// can defer release unconditionally after a possibly-failed Acquire.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.gate.sem.Release(1)
}

// Capacity returns the gate's configured capacity.
func (g *Gate) Capacity() int {
	return int(g.capacity)
}
