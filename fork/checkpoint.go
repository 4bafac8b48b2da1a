package fork

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sheetmcp/forkcore"
	"github.com/sheetmcp/forkcore/raii"
)

// CreateCheckpoint copies the fork's current work file to a new snapshot
// file under the fork's checkpoints/ directory and appends a Checkpoint
// entry, incrementing version exactly once. The snapshot copy runs without
// holding any fork lock; a failed copy leaves no partial snapshot file
// behind.
func (r *Registry) CreateCheckpoint(ctx context.Context, id forkcore.ForkId, label string) (forkcore.CheckpointId, error) {
	fc, err := r.lookup(id)
	if err != nil {
		return forkcore.CheckpointId{}, err
	}
	state := fc.Snapshot()

	cpId := forkcore.NewCheckpointId()
	cpDir := filepath.Join(filepath.Dir(state.WorkPath), "checkpoints")
	if err := r.fileio.MkdirAll(ctx, cpDir); err != nil {
		return forkcore.CheckpointId{}, err
	}
	snapshotPath := filepath.Join(cpDir, fmt.Sprintf("%s%s", cpId, filepath.Ext(state.WorkPath)))

	guard := raii.NewFileGuard(snapshotPath)
	defer guard.Rollback()

	if err := r.fileio.CopyFile(ctx, state.WorkPath, snapshotPath); err != nil {
		return forkcore.CheckpointId{}, err
	}

	cp := Checkpoint{Id: cpId, Label: label, SnapshotPath: snapshotPath, CreatedAt: time.Now()}
	err = r.WithForkMut(ctx, id, func(ctx context.Context, fc *Context) error {
		fc.checkpoints = append(fc.checkpoints, cp)
		return nil
	})
	if err != nil {
		return forkcore.CheckpointId{}, err
	}
	guard.Commit()
	return cpId, nil
}

// RestoreCheckpoint overwrites the fork's work file with a checkpoint's
// snapshot content. It holds both the fork's recalc lock and its intrinsic
// lock for the duration of the backup-then-overwrite, because restore must
// be serialised against both a concurrent recalc and a concurrent edit on
// the same work file. Failure restores work_path from the safety backup;
// success increments version.
func (r *Registry) RestoreCheckpoint(ctx context.Context, id forkcore.ForkId, cpId forkcore.CheckpointId) error {
	fc, err := r.lookup(id)
	if err != nil {
		return err
	}

	if err := fc.recalcLock.Lock(ctx); err != nil {
		return forkcore.NewError(forkcore.Timeout, err, id.String())
	}
	defer fc.recalcLock.Unlock()

	fc.mu.Lock()
	defer fc.mu.Unlock()

	var snapshotPath string
	found := false
	for _, cp := range fc.checkpoints {
		if cp.Id == cpId {
			snapshotPath = cp.SnapshotPath
			found = true
			break
		}
	}
	if !found {
		return forkcore.NewError(forkcore.NotFound, fmt.Errorf("no such checkpoint"), cpId.String())
	}

	backupPath := fmt.Sprintf("%s.restore-bak", fc.workPath)
	if err := r.fileio.CopyFile(ctx, fc.workPath, backupPath); err != nil {
		return err
	}
	backupGuard := raii.NewBackupGuard(fc.workPath, backupPath, func(backup, dest string) error {
		return r.fileio.AtomicReplace(ctx, backup, dest)
	})

	if err := r.fileio.CopyFile(ctx, snapshotPath, fc.workPath); err != nil {
		if rerr := backupGuard.Rollback(); rerr != nil {
			return forkcore.NewError(forkcore.IoError, fmt.Errorf("restore overwrite failed (%v) and backup restore also failed: %w", err, rerr), id.String())
		}
		return err
	}

	backupGuard.Commit()
	fc.editLog = append(fc.editLog, forkcore.AppliedBatch{AppliedAt: time.Now(), RestoreOf: cpId})
	fc.version++
	return nil
}

// DeleteCheckpoint removes a checkpoint entry and its snapshot file.
func (r *Registry) DeleteCheckpoint(ctx context.Context, id forkcore.ForkId, cpId forkcore.CheckpointId) error {
	var snapshotPath string
	err := r.withForkMutNoVersion(ctx, id, func(ctx context.Context, fc *Context) error {
		for i, cp := range fc.checkpoints {
			if cp.Id == cpId {
				snapshotPath = cp.SnapshotPath
				fc.checkpoints = append(fc.checkpoints[:i], fc.checkpoints[i+1:]...)
				return nil
			}
		}
		return forkcore.NewError(forkcore.NotFound, fmt.Errorf("no such checkpoint"), cpId.String())
	})
	if err != nil {
		return err
	}
	if err := r.fileio.Remove(ctx, snapshotPath); err != nil {
		return err
	}
	return nil
}
