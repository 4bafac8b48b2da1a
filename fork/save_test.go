package fork

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sheetmcp/forkcore"
	"github.com/sheetmcp/forkcore/fsio"
)

func TestSaveForkCreatesNewTarget(t *testing.T) {
	reg, _, _, invalidator, workspace := newTestRegistry(t, 10)
	ctx := context.Background()
	id, err := reg.CreateFork(ctx, "base.xlsx")
	if err != nil {
		t.Fatalf("CreateFork: %v", err)
	}

	target := filepath.Join(workspace, "saved.xlsx")
	if err := reg.SaveFork(ctx, id, target, false); err != nil {
		t.Fatalf("SaveFork: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "base-content" {
		t.Fatalf("saved content = %q, want %q", data, "base-content")
	}
	if len(invalidator.invalidated) != 1 || invalidator.invalidated[0] != target {
		t.Fatalf("expected cache invalidation for %s, got %v", target, invalidator.invalidated)
	}
	// The fork must still exist since dropFork was false.
	if _, err := reg.Get(id); err != nil {
		t.Fatalf("expected fork to survive a non-dropping save, got %v", err)
	}
}

func TestSaveForkOverwritesExistingTargetAndCleansBackup(t *testing.T) {
	reg, _, _, _, workspace := newTestRegistry(t, 10)
	ctx := context.Background()
	id, err := reg.CreateFork(ctx, "base.xlsx")
	if err != nil {
		t.Fatalf("CreateFork: %v", err)
	}

	target := filepath.Join(workspace, "saved.xlsx")
	if err := os.WriteFile(target, []byte("original-target-content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := reg.SaveFork(ctx, id, target, false); err != nil {
		t.Fatalf("SaveFork: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "base-content" {
		t.Fatalf("saved content = %q, want %q", data, "base-content")
	}

	// No leftover backup or temp files in the workspace directory; the only
	// entries allowed are the target and the fork's own directory.
	entries, err := os.ReadDir(workspace)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() == "saved.xlsx" || e.IsDir() {
			continue
		}
		t.Fatalf("unexpected leftover file in workspace: %s", e.Name())
	}
}

// faultFileIO wraps a real FileIO and fails selected operations, for
// exercising rollback paths. Each fault fires once: the rollback that
// follows sees a healthy filesystem, the way a transient outage would.
type faultFileIO struct {
	fsio.FileIO
	failCopyTo    string // CopyFile fails when dst has this prefix
	failReplaceTo string // AtomicReplace fails when dst equals this
	injected      error
}

func (f *faultFileIO) CopyFile(ctx context.Context, src, dst string) error {
	if f.failCopyTo != "" && strings.HasPrefix(dst, f.failCopyTo) {
		f.failCopyTo = ""
		return f.injected
	}
	return f.FileIO.CopyFile(ctx, src, dst)
}

func (f *faultFileIO) AtomicReplace(ctx context.Context, src, dst string) error {
	if f.failReplaceTo != "" && dst == f.failReplaceTo {
		f.failReplaceTo = ""
		return f.injected
	}
	return f.FileIO.AtomicReplace(ctx, src, dst)
}

// TestCreateForkRollbackOnCopyFailure: when the copy into the fork's work
// path fails, the call errors, the registry has no entry for the candidate
// fork, and the workspace has no orphan directory.
func TestCreateForkRollbackOnCopyFailure(t *testing.T) {
	reg, _, _, _, workspace := newTestRegistry(t, 10)
	reg.fileio = &faultFileIO{
		FileIO:     fsio.New(0),
		failCopyTo: workspace,
		injected:   forkcore.NewError(forkcore.IoError, os.ErrPermission, "injected"),
	}

	_, err := reg.CreateFork(context.Background(), "base.xlsx")
	if forkcore.CodeOf(err) != forkcore.IoError {
		t.Fatalf("expected IoError, got %v", err)
	}
	if reg.Count() != 0 {
		t.Fatalf("expected no registry entry after rollback, got %d", reg.Count())
	}
	entries, rerr := os.ReadDir(workspace)
	if rerr != nil {
		t.Fatalf("ReadDir: %v", rerr)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no orphan files under the workspace, found %v", entries)
	}
}

// TestSaveForkRenameFailureRestoresOriginalTarget: an injected failure of
// the final rename leaves the pre-existing target intact, no backup behind,
// and the fork still live with its content.
func TestSaveForkRenameFailureRestoresOriginalTarget(t *testing.T) {
	reg, _, _, _, workspace := newTestRegistry(t, 10)
	ctx := context.Background()
	id, err := reg.CreateFork(ctx, "base.xlsx")
	if err != nil {
		t.Fatalf("CreateFork: %v", err)
	}

	target := filepath.Join(workspace, "saved.xlsx")
	if err := os.WriteFile(target, []byte("original-target-content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	reg.fileio = &faultFileIO{
		FileIO:        fsio.New(0),
		failReplaceTo: target,
		injected:      forkcore.NewError(forkcore.IoError, os.ErrPermission, "injected"),
	}

	if err := reg.SaveFork(ctx, id, target, false); forkcore.CodeOf(err) != forkcore.IoError {
		t.Fatalf("expected IoError from the injected rename failure, got %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile(target): %v", err)
	}
	if string(data) != "original-target-content" {
		t.Fatalf("target content after failed save = %q, want the original", data)
	}
	entries, err := os.ReadDir(workspace)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() == "saved.xlsx" || e.IsDir() {
			continue
		}
		t.Fatalf("leftover backup or temp file after rollback: %s", e.Name())
	}
	state, err := reg.Get(id)
	if err != nil {
		t.Fatalf("expected fork to survive a failed save, got %v", err)
	}
	if got, _ := os.ReadFile(state.WorkPath); string(got) != "base-content" {
		t.Fatalf("fork work file content = %q, want untouched %q", got, "base-content")
	}
}

func TestSaveForkDropForkDiscardsAfterSuccess(t *testing.T) {
	reg, _, _, _, workspace := newTestRegistry(t, 10)
	ctx := context.Background()
	id, err := reg.CreateFork(ctx, "base.xlsx")
	if err != nil {
		t.Fatalf("CreateFork: %v", err)
	}
	target := filepath.Join(workspace, "saved.xlsx")

	if err := reg.SaveFork(ctx, id, target, true); err != nil {
		t.Fatalf("SaveFork: %v", err)
	}
	if _, err := reg.Get(id); err == nil {
		t.Fatal("expected fork to be discarded after a dropping save")
	}
}
