package fork

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sheetmcp/forkcore"
	"github.com/sheetmcp/forkcore/fsio"
	"github.com/sheetmcp/forkcore/raii"
)

// SaveFork atomically replaces targetPath with the fork's current work_path
// content. A pre-existing targetPath is first moved to a sibling backup
// path; if the final rename fails, the original is restored from that
// backup (RAII-guarded); on success the backup is deleted. The cache is
// told to invalidate targetPath so subsequent reads see the new content.
// If dropFork is true, the fork is discarded after a successful save.
func (r *Registry) SaveFork(ctx context.Context, id forkcore.ForkId, targetPath string, dropFork bool) error {
	fc, err := r.lookup(id)
	if err != nil {
		return err
	}
	state := fc.Snapshot()

	tmpDst := filepath.Join(filepath.Dir(targetPath), fmt.Sprintf(".tmp-save-%s%s", forkcore.NewUUID(), filepath.Ext(targetPath)))
	tmpGuard := raii.NewFileGuard(tmpDst)
	defer tmpGuard.Rollback()

	if err := r.fileio.CopyFile(ctx, state.WorkPath, tmpDst); err != nil {
		return err
	}

	var backupGuard *raii.BackupGuard
	if r.fileio.Exists(targetPath) {
		backupPath := fsio.BackupPath(targetPath)
		if err := r.fileio.AtomicReplace(ctx, targetPath, backupPath); err != nil {
			return err
		}
		backupGuard = raii.NewBackupGuard(targetPath, backupPath, func(backup, dest string) error {
			return r.fileio.AtomicReplace(ctx, backup, dest)
		})
	}

	if err := r.fileio.AtomicReplace(ctx, tmpDst, targetPath); err != nil {
		if backupGuard != nil {
			if rerr := backupGuard.Rollback(); rerr != nil {
				return forkcore.NewError(forkcore.IoError,
					fmt.Errorf("save failed (%v) and restoring the prior file also failed: %w", err, rerr), targetPath)
			}
		}
		return err
	}
	tmpGuard.Commit()
	if backupGuard != nil {
		backupGuard.Commit()
	}

	if r.invalidator != nil {
		r.invalidator.InvalidateByPath(targetPath)
	}

	if dropFork {
		return r.DiscardFork(ctx, id)
	}
	return nil
}
