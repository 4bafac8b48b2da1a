package fork

import (
	"context"

	"github.com/sheetmcp/forkcore"
)

// Recalc runs the external recalc backend against a fork's work file.
// Acquisition order: per-fork recalc lock, then a global gate permit, then
// the backend call; releases unwind that order in reverse. Recalc on
// distinct forks may run concurrently up to the gate's capacity; recalc
// within one fork is serialised by its recalc lock. A cancelled ctx at any
// wait point releases everything acquired so far and returns the caller's
// error without charging a gate permit. No registry-wide lock is held
// across the backend call.
func (r *Registry) Recalc(ctx context.Context, id forkcore.ForkId) error {
	fc, err := r.lookup(id)
	if err != nil {
		return err
	}

	permit, err := r.AcquireRecalcLock(ctx, id)
	if err != nil {
		return err
	}
	defer permit.Release()

	if err := r.backend.Recalc(ctx, fc.workPath); err != nil {
		return forkcore.NewError(forkcore.BackendFailed, err, id.String())
	}

	fc.mu.Lock()
	fc.recalculated = true
	fc.version++
	fc.mu.Unlock()

	return nil
}
