package fork

import (
	"context"
	"fmt"
	"time"

	"github.com/sheetmcp/forkcore"
)

// StageChanges appends batch to the fork's staged-change list without
// touching work_path or version; a staged change is pending state, not
// visible state.
func (r *Registry) StageChanges(ctx context.Context, id forkcore.ForkId, batch forkcore.EditBatch) (forkcore.ChangeId, error) {
	changeId := forkcore.NewChangeId()
	sc := StagedChange{Id: changeId, Batch: batch, CreatedAt: time.Now()}
	err := r.withForkMutNoVersion(ctx, id, func(ctx context.Context, fc *Context) error {
		fc.stagedChanges = append(fc.stagedChanges, sc)
		return nil
	})
	if err != nil {
		return forkcore.ChangeId{}, err
	}
	return changeId, nil
}

// DiscardStagedChange removes a staged change without applying it.
func (r *Registry) DiscardStagedChange(ctx context.Context, id forkcore.ForkId, changeId forkcore.ChangeId) error {
	return r.withForkMutNoVersion(ctx, id, func(ctx context.Context, fc *Context) error {
		for i, sc := range fc.stagedChanges {
			if sc.Id == changeId {
				fc.stagedChanges = append(fc.stagedChanges[:i], fc.stagedChanges[i+1:]...)
				return nil
			}
		}
		return forkcore.NewError(forkcore.NotFound, fmt.Errorf("no such staged change"), changeId.String())
	})
}

// ApplyStagedChange applies a staged change's batch to work_path via the
// configured BatchApplier, moves it from staged_changes into edit_log, and
// increments version exactly once.
func (r *Registry) ApplyStagedChange(ctx context.Context, id forkcore.ForkId, changeId forkcore.ChangeId, applier forkcore.BatchApplier) error {
	return r.applyStagedChange(ctx, id, changeId, applier, nil)
}

// ApplyStagedChangeVersioned is ApplyStagedChange guarded by an optimistic
// version check, mirroring the WithForkMut / WithForkMutVersioned pairing.
func (r *Registry) ApplyStagedChangeVersioned(ctx context.Context, id forkcore.ForkId, changeId forkcore.ChangeId, expectedVersion int64, applier forkcore.BatchApplier) error {
	return r.applyStagedChange(ctx, id, changeId, applier, &expectedVersion)
}

func (r *Registry) applyStagedChange(ctx context.Context, id forkcore.ForkId, changeId forkcore.ChangeId, applier forkcore.BatchApplier, expectedVersion *int64) error {
	fc, err := r.lookup(id)
	if err != nil {
		return err
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if expectedVersion != nil && fc.version != *expectedVersion {
		return forkcore.NewError(forkcore.VersionConflict,
			fmt.Errorf("expected version %d, fork is at %d", *expectedVersion, fc.version), id.String())
	}

	idx := -1
	var sc StagedChange
	for i, s := range fc.stagedChanges {
		if s.Id == changeId {
			idx, sc = i, s
			break
		}
	}
	if idx < 0 {
		return forkcore.NewError(forkcore.NotFound, fmt.Errorf("no such staged change"), changeId.String())
	}

	if err := applier.Apply(ctx, fc.workPath, sc.Batch); err != nil {
		return forkcore.NewError(forkcore.InvalidBatch, err, changeId.String())
	}

	fc.stagedChanges = append(fc.stagedChanges[:idx], fc.stagedChanges[idx+1:]...)
	fc.editLog = append(fc.editLog, forkcore.AppliedBatch{Batch: sc.Batch, AppliedAt: time.Now()})
	fc.version++
	return nil
}

// ApplyBatch applies batch directly to the fork (not via the staged-change
// path), appending to edit_log and incrementing version exactly once. Used
// by edit_fork.
func (r *Registry) ApplyBatch(ctx context.Context, id forkcore.ForkId, batch forkcore.EditBatch, applier forkcore.BatchApplier) error {
	return r.WithForkMut(ctx, id, applyBatchMutate(batch, applier, id))
}

// ApplyBatchVersioned is ApplyBatch guarded by an optimistic version check,
// for callers of edit_fork that supply expected_version.
func (r *Registry) ApplyBatchVersioned(ctx context.Context, id forkcore.ForkId, expectedVersion int64, batch forkcore.EditBatch, applier forkcore.BatchApplier) error {
	return r.WithForkMutVersioned(ctx, id, expectedVersion, applyBatchMutate(batch, applier, id))
}

func applyBatchMutate(batch forkcore.EditBatch, applier forkcore.BatchApplier, id forkcore.ForkId) MutateFunc {
	return func(ctx context.Context, fc *Context) error {
		if err := applier.Apply(ctx, fc.workPath, batch); err != nil {
			return forkcore.NewError(forkcore.InvalidBatch, err, id.String())
		}
		fc.editLog = append(fc.editLog, forkcore.AppliedBatch{Batch: batch, AppliedAt: time.Now()})
		return nil
	}
}
