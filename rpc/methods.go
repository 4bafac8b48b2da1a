package rpc

import (
	"context"
	"fmt"

	"github.com/sheetmcp/forkcore"
	"github.com/sheetmcp/forkcore/workbookcache"
)

// WorkbookListing is one row of list_workbooks' result.
type WorkbookListing struct {
	Id    forkcore.WorkbookId
	Alias string
	Path  string
}

// ListWorkbooks returns every workbook the identity resolver knows about.
func (s *Service) ListWorkbooks(ctx context.Context) ([]WorkbookListing, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var err error
	finish := s.scope("list_workbooks", "", nil)
	defer finish(&err)

	entries := s.resolver.List()
	out := make([]WorkbookListing, len(entries))
	for i, e := range entries {
		out[i] = WorkbookListing{Id: e.Id, Alias: e.Alias, Path: e.Path}
	}
	return out, nil
}

// OpenWorkbookResult is open_workbook's result.
type OpenWorkbookResult struct {
	Id      forkcore.WorkbookId
	Summary forkcore.WorkbookSummary
}

// OpenWorkbook resolves ref and returns its id and parsed summary, parsing
// (or reusing the cached parse of) the underlying file.
func (s *Service) OpenWorkbook(ctx context.Context, ref string) (OpenWorkbookResult, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var err error
	finish := s.scope("open_workbook", ref, map[string]any{"ref": ref})
	defer finish(&err)

	var id forkcore.WorkbookId
	var handle forkcore.WorkbookHandle
	id, handle, err = s.cache.Open(ctx, ref)
	if err != nil {
		return OpenWorkbookResult{}, err
	}
	return OpenWorkbookResult{Id: id, Summary: handle.Summary()}, nil
}

// SetAlias binds a short human-readable name to an already-registered
// workbook. AliasInUse if the alias is bound to a different workbook.
func (s *Service) SetAlias(ctx context.Context, ref, alias string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var err error
	finish := s.scope("set_alias", ref, map[string]any{"alias": alias})
	defer finish(&err)

	var id forkcore.WorkbookId
	id, err = s.resolver.Resolve(ref)
	if err != nil {
		return err
	}
	err = s.resolver.SetAlias(id, alias)
	return err
}

// CloseWorkbook evicts id from the cache. NotCached if it was not present.
func (s *Service) CloseWorkbook(ctx context.Context, id forkcore.WorkbookId) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var err error
	finish := s.scope("close_workbook", id.String(), nil)
	defer finish(&err)

	if !s.cache.Contains(id) {
		err = forkcore.NewError(forkcore.NotCached, fmt.Errorf("workbook %s is not cached", id), id.String())
		return err
	}
	err = s.cache.Close(id)
	return err
}

// CreateFork resolves baseRef and forks a private, writable copy of it.
func (s *Service) CreateFork(ctx context.Context, baseRef string) (forkcore.ForkId, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var err error
	finish := s.scope("create_fork", baseRef, map[string]any{"base_ref": baseRef})
	defer finish(&err)

	var id forkcore.ForkId
	id, err = s.registry.CreateFork(ctx, baseRef)
	return id, err
}

// EditFork applies batch to forkId, optionally guarded by expectedVersion
// (nil means unconditional), and returns the fork's new version.
func (s *Service) EditFork(ctx context.Context, forkId forkcore.ForkId, expectedVersion *int64, batch forkcore.EditBatch) (int64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var err error
	finish := s.scope("edit_fork", forkId.String(), map[string]any{"batch_size": len(batch)})
	defer finish(&err)

	if expectedVersion != nil {
		err = s.registry.ApplyBatchVersioned(ctx, forkId, *expectedVersion, batch, s.applier)
	} else {
		err = s.registry.ApplyBatch(ctx, forkId, batch, s.applier)
	}
	if err != nil {
		return 0, err
	}
	return s.currentVersion(forkId)
}

// RecalcFork runs the backend recalculation on forkId under the gate and
// per-fork recalc lock, bounded by deadlineMs if positive.
func (s *Service) RecalcFork(ctx context.Context, forkId forkcore.ForkId, deadlineMs int) (int64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	if deadlineMs > 0 {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithTimeout(ctx, msToDuration(deadlineMs))
		defer cancelDeadline()
	}
	var err error
	finish := s.scope("recalc_fork", forkId.String(), map[string]any{"deadline_ms": deadlineMs})
	defer finish(&err)

	if err = s.registry.Recalc(ctx, forkId); err != nil {
		return 0, err
	}
	return s.currentVersion(forkId)
}

// SaveFork atomically writes forkId's current content to targetPath,
// optionally discarding the fork afterwards.
func (s *Service) SaveFork(ctx context.Context, forkId forkcore.ForkId, targetPath string, dropFork bool) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var err error
	finish := s.scope("save_fork", forkId.String(), map[string]any{"target_path": targetPath, "drop_fork": dropFork})
	defer finish(&err)

	err = s.registry.SaveFork(ctx, forkId, targetPath, dropFork)
	return err
}

// DiscardFork drops forkId and its on-disk state. Idempotent: a caller
// discarding an already-gone fork (never created, or already discarded)
// observes a plain success, never NotFound.
func (s *Service) DiscardFork(ctx context.Context, forkId forkcore.ForkId) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var err error
	finish := s.scope("discard_fork", forkId.String(), nil)
	defer finish(&err)

	err = s.registry.DiscardFork(ctx, forkId)
	return err
}

// CreateCheckpoint snapshots forkId's current work file under label.
func (s *Service) CreateCheckpoint(ctx context.Context, forkId forkcore.ForkId, label string) (forkcore.CheckpointId, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var err error
	finish := s.scope("create_checkpoint", forkId.String(), map[string]any{"label": label})
	defer finish(&err)

	var cpId forkcore.CheckpointId
	cpId, err = s.registry.CreateCheckpoint(ctx, forkId, label)
	return cpId, err
}

// RestoreCheckpoint overwrites forkId's work file with a prior checkpoint.
func (s *Service) RestoreCheckpoint(ctx context.Context, forkId forkcore.ForkId, cpId forkcore.CheckpointId) (int64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var err error
	finish := s.scope("restore_checkpoint", forkId.String(), map[string]any{"checkpoint_id": cpId.String()})
	defer finish(&err)

	if err = s.registry.RestoreCheckpoint(ctx, forkId, cpId); err != nil {
		return 0, err
	}
	return s.currentVersion(forkId)
}

// DeleteCheckpoint removes a checkpoint entry and its snapshot file.
func (s *Service) DeleteCheckpoint(ctx context.Context, forkId forkcore.ForkId, cpId forkcore.CheckpointId) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var err error
	finish := s.scope("delete_checkpoint", forkId.String(), map[string]any{"checkpoint_id": cpId.String()})
	defer finish(&err)

	err = s.registry.DeleteCheckpoint(ctx, forkId, cpId)
	return err
}

// StageChanges records batch as a pending, not-yet-applied change.
func (s *Service) StageChanges(ctx context.Context, forkId forkcore.ForkId, batch forkcore.EditBatch) (forkcore.ChangeId, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var err error
	finish := s.scope("stage_changes", forkId.String(), map[string]any{"batch_size": len(batch)})
	defer finish(&err)

	var changeId forkcore.ChangeId
	changeId, err = s.registry.StageChanges(ctx, forkId, batch)
	return changeId, err
}

// ApplyStagedChange applies a previously staged change, optionally guarded
// by expectedVersion (nil means unconditional), and returns the fork's new
// version.
func (s *Service) ApplyStagedChange(ctx context.Context, forkId forkcore.ForkId, changeId forkcore.ChangeId, expectedVersion *int64) (int64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var err error
	finish := s.scope("apply_staged_change", forkId.String(), map[string]any{"change_id": changeId.String()})
	defer finish(&err)

	if expectedVersion != nil {
		err = s.registry.ApplyStagedChangeVersioned(ctx, forkId, changeId, *expectedVersion, s.applier)
	} else {
		err = s.registry.ApplyStagedChange(ctx, forkId, changeId, s.applier)
	}
	if err != nil {
		return 0, err
	}
	return s.currentVersion(forkId)
}

// DiscardStagedChange removes a pending change without applying it.
func (s *Service) DiscardStagedChange(ctx context.Context, forkId forkcore.ForkId, changeId forkcore.ChangeId) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var err error
	finish := s.scope("discard_staged_change", forkId.String(), map[string]any{"change_id": changeId.String()})
	defer finish(&err)

	err = s.registry.DiscardStagedChange(ctx, forkId, changeId)
	return err
}

// CacheStats returns a snapshot of the workbook cache's operation counters,
// for operability alongside the editing methods.
func (s *Service) CacheStats(ctx context.Context) (workbookcache.Stats, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	var err error
	finish := s.scope("cache_stats", "", nil)
	defer finish(&err)

	return s.cache.Stats(), nil
}

// currentVersion reads forkId's version after a mutation, so the RPC layer
// can report new_version without the registry's mutate helpers needing to
// leak it out of their own narrower signatures.
func (s *Service) currentVersion(forkId forkcore.ForkId) (int64, error) {
	state, err := s.registry.Get(forkId)
	if err != nil {
		return 0, err
	}
	return state.Version, nil
}
