package rpc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sheetmcp/forkcore"
	"github.com/sheetmcp/forkcore/audit"
	"github.com/sheetmcp/forkcore/fork"
	"github.com/sheetmcp/forkcore/fsio"
	"github.com/sheetmcp/forkcore/identity"
	"github.com/sheetmcp/forkcore/recalc"
	"github.com/sheetmcp/forkcore/workbookcache"
)

type fakeHandle struct {
	summary forkcore.WorkbookSummary
}

func (h *fakeHandle) Summary() forkcore.WorkbookSummary { return h.summary }
func (h *fakeHandle) Close() error                      { return nil }

type fakeParser struct{}

func (fakeParser) Parse(ctx context.Context, path string) (forkcore.WorkbookHandle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &fakeHandle{summary: forkcore.WorkbookSummary{SheetNames: []string{"Sheet1"}, SizeBytes: info.Size()}}, nil
}

type fakeApplier struct{ err error }

func (a fakeApplier) Apply(ctx context.Context, workPath string, batch forkcore.EditBatch) error {
	if a.err != nil {
		return a.err
	}
	return os.WriteFile(workPath, []byte("edited"), 0o644)
}

type fakeBackend struct{ err error }

func (b fakeBackend) Recalc(ctx context.Context, workPath string) error { return b.err }

func newTestService(t *testing.T, maxForks int) (*Service, string) {
	t.Helper()
	workspace := t.TempDir()

	resolver, err := identity.NewResolver(workspace, []string{"xlsx"})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	cache, err := workbookcache.New(resolver, fakeParser{}, 5)
	if err != nil {
		t.Fatalf("workbookcache.New: %v", err)
	}
	gate, err := recalc.NewGate(4)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	registry, err := fork.NewRegistry(fork.Deps{
		WorkspaceRoot: workspace,
		MaxForks:      maxForks,
		Opener:        cache,
		Locator:       resolver,
		Invalidator:   cache,
		FileIO:        fsio.New(3),
		Gate:          gate,
		Backend:       fakeBackend{},
	})
	if err != nil {
		t.Fatalf("fork.NewRegistry: %v", err)
	}
	trail, err := audit.NewTrail(100, filepath.Join(workspace, "audit"), 1<<20, 3, 7)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}

	svc := NewService(Deps{
		Resolver: resolver,
		Cache:    cache,
		Registry: registry,
		Trail:    trail,
		Applier:  fakeApplier{},
		Config:   forkcore.Configuration{ToolTimeoutMs: 0},
	})
	return svc, workspace
}

func writeWorkbook(t *testing.T, workspace, name string) string {
	t.Helper()
	p := filepath.Join(workspace, name)
	if err := os.WriteFile(p, []byte("book-content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestOpenWorkbookAndListWorkbooks(t *testing.T) {
	svc, workspace := newTestService(t, 4)
	ctx := context.Background()
	p := writeWorkbook(t, workspace, "a.xlsx")

	res, err := svc.OpenWorkbook(ctx, p)
	if err != nil {
		t.Fatalf("OpenWorkbook: %v", err)
	}
	if res.Summary.SheetNames[0] != "Sheet1" {
		t.Fatalf("unexpected summary: %+v", res.Summary)
	}

	listed, err := svc.ListWorkbooks(ctx)
	if err != nil {
		t.Fatalf("ListWorkbooks: %v", err)
	}
	if len(listed) != 1 || listed[0].Id != res.Id {
		t.Fatalf("ListWorkbooks = %+v, want one entry for %v", listed, res.Id)
	}

	events := svc.trail.Query(audit.Filter{Kind: "open_workbook"})
	if len(events) != 1 || events[0].Outcome != audit.OutcomeSuccess {
		t.Fatalf("expected one successful open_workbook audit event, got %+v", events)
	}
}

func TestSetAliasThenResolveByAlias(t *testing.T) {
	svc, workspace := newTestService(t, 4)
	ctx := context.Background()
	p := writeWorkbook(t, workspace, "a.xlsx")

	res, err := svc.OpenWorkbook(ctx, p)
	if err != nil {
		t.Fatalf("OpenWorkbook: %v", err)
	}
	if err := svc.SetAlias(ctx, p, "q3-report"); err != nil {
		t.Fatalf("SetAlias: %v", err)
	}

	byAlias, err := svc.OpenWorkbook(ctx, "q3-report")
	if err != nil {
		t.Fatalf("OpenWorkbook(alias): %v", err)
	}
	if byAlias.Id != res.Id {
		t.Fatalf("alias resolved to %v, want %v", byAlias.Id, res.Id)
	}

	// A second workbook cannot claim the same alias.
	p2 := writeWorkbook(t, workspace, "b.xlsx")
	if _, err := svc.OpenWorkbook(ctx, p2); err != nil {
		t.Fatalf("OpenWorkbook(b): %v", err)
	}
	if err := svc.SetAlias(ctx, p2, "q3-report"); forkcore.CodeOf(err) != forkcore.AliasInUse {
		t.Fatalf("expected AliasInUse, got %v", err)
	}
}

func TestCloseWorkbookNotCached(t *testing.T) {
	svc, _ := newTestService(t, 4)
	ctx := context.Background()

	err := svc.CloseWorkbook(ctx, forkcore.NewWorkbookId())
	if forkcore.CodeOf(err) != forkcore.NotCached {
		t.Fatalf("expected NotCached, got %v", err)
	}

	events := svc.trail.Query(audit.Filter{Kind: "close_workbook"})
	if len(events) != 1 || events[0].Outcome != audit.OutcomeFailure || events[0].Reason != forkcore.NotCached.String() {
		t.Fatalf("expected one failed close_workbook audit event with NotCached reason, got %+v", events)
	}
}

func TestCloseWorkbookSuccess(t *testing.T) {
	svc, workspace := newTestService(t, 4)
	ctx := context.Background()
	p := writeWorkbook(t, workspace, "a.xlsx")

	res, err := svc.OpenWorkbook(ctx, p)
	if err != nil {
		t.Fatalf("OpenWorkbook: %v", err)
	}
	if err := svc.CloseWorkbook(ctx, res.Id); err != nil {
		t.Fatalf("CloseWorkbook: %v", err)
	}
}

func TestCreateForkNotFoundBaseRef(t *testing.T) {
	svc, _ := newTestService(t, 4)
	ctx := context.Background()

	_, err := svc.CreateFork(ctx, "does-not-exist.xlsx")
	if forkcore.CodeOf(err) == forkcore.Unknown {
		t.Fatalf("expected a typed error, got %v", err)
	}

	events := svc.trail.Query(audit.Filter{Kind: "create_fork"})
	if len(events) != 1 || events[0].Outcome != audit.OutcomeFailure {
		t.Fatalf("expected one failed create_fork audit event, got %+v", events)
	}
}

func TestCreateForkEnforcesForkLimitExceeded(t *testing.T) {
	svc, workspace := newTestService(t, 1)
	ctx := context.Background()
	p := writeWorkbook(t, workspace, "a.xlsx")

	if _, err := svc.CreateFork(ctx, p); err != nil {
		t.Fatalf("first CreateFork: %v", err)
	}
	_, err := svc.CreateFork(ctx, p)
	if forkcore.CodeOf(err) != forkcore.ForkLimitExceeded {
		t.Fatalf("expected ForkLimitExceeded, got %v", err)
	}
}

func TestEditForkVersionConflict(t *testing.T) {
	svc, workspace := newTestService(t, 4)
	ctx := context.Background()
	p := writeWorkbook(t, workspace, "a.xlsx")

	forkId, err := svc.CreateFork(ctx, p)
	if err != nil {
		t.Fatalf("CreateFork: %v", err)
	}

	stale := int64(99)
	_, err = svc.EditFork(ctx, forkId, &stale, forkcore.EditBatch{{Sheet: "S", Ref: "A1", Op: "set"}})
	if forkcore.CodeOf(err) != forkcore.VersionConflict {
		t.Fatalf("expected VersionConflict, got %v", err)
	}

	newVersion, err := svc.EditFork(ctx, forkId, nil, forkcore.EditBatch{{Sheet: "S", Ref: "A1", Op: "set"}})
	if err != nil {
		t.Fatalf("unconditional EditFork: %v", err)
	}
	if newVersion != 1 {
		t.Fatalf("new_version = %d, want 1", newVersion)
	}
}

func TestRecalcForkBackendFailed(t *testing.T) {
	workspace := t.TempDir()
	resolver, err := identity.NewResolver(workspace, []string{"xlsx"})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	cache, err := workbookcache.New(resolver, fakeParser{}, 5)
	if err != nil {
		t.Fatalf("workbookcache.New: %v", err)
	}
	gate, err := recalc.NewGate(4)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	registry, err := fork.NewRegistry(fork.Deps{
		WorkspaceRoot: workspace,
		MaxForks:      4,
		Opener:        cache,
		Locator:       resolver,
		Invalidator:   cache,
		FileIO:        fsio.New(3),
		Gate:          gate,
		Backend:       fakeBackend{err: forkcore.NewError(forkcore.Internal, os.ErrInvalid, "backend")},
	})
	if err != nil {
		t.Fatalf("fork.NewRegistry: %v", err)
	}
	trail, err := audit.NewTrail(100, filepath.Join(workspace, "audit"), 1<<20, 3, 7)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	svc := NewService(Deps{Resolver: resolver, Cache: cache, Registry: registry, Trail: trail, Applier: fakeApplier{}})

	ctx := context.Background()
	p := writeWorkbook(t, workspace, "a.xlsx")
	forkId, err := svc.CreateFork(ctx, p)
	if err != nil {
		t.Fatalf("CreateFork: %v", err)
	}

	_, err = svc.RecalcFork(ctx, forkId, 0)
	if forkcore.CodeOf(err) != forkcore.BackendFailed {
		t.Fatalf("expected BackendFailed, got %v", err)
	}
}

func TestSaveForkWritesTarget(t *testing.T) {
	svc, workspace := newTestService(t, 4)
	ctx := context.Background()
	p := writeWorkbook(t, workspace, "a.xlsx")

	forkId, err := svc.CreateFork(ctx, p)
	if err != nil {
		t.Fatalf("CreateFork: %v", err)
	}
	if _, err := svc.EditFork(ctx, forkId, nil, forkcore.EditBatch{{Sheet: "S", Ref: "A1", Op: "set"}}); err != nil {
		t.Fatalf("EditFork: %v", err)
	}

	target := filepath.Join(workspace, "saved.xlsx")
	if err := svc.SaveFork(ctx, forkId, target, false); err != nil {
		t.Fatalf("SaveFork: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile(target): %v", err)
	}
	if string(data) != "edited" {
		t.Fatalf("target content = %q, want %q", data, "edited")
	}
}

func TestDiscardForkThenStageApplyFlow(t *testing.T) {
	svc, workspace := newTestService(t, 4)
	ctx := context.Background()
	p := writeWorkbook(t, workspace, "a.xlsx")

	forkId, err := svc.CreateFork(ctx, p)
	if err != nil {
		t.Fatalf("CreateFork: %v", err)
	}

	changeId, err := svc.StageChanges(ctx, forkId, forkcore.EditBatch{{Sheet: "S", Ref: "A1", Op: "set"}})
	if err != nil {
		t.Fatalf("StageChanges: %v", err)
	}
	newVersion, err := svc.ApplyStagedChange(ctx, forkId, changeId, nil)
	if err != nil {
		t.Fatalf("ApplyStagedChange: %v", err)
	}
	if newVersion != 1 {
		t.Fatalf("new_version after ApplyStagedChange = %d, want 1", newVersion)
	}

	if err := svc.DiscardFork(ctx, forkId); err != nil {
		t.Fatalf("DiscardFork: %v", err)
	}
	if err := svc.DiscardFork(ctx, forkId); err != nil {
		t.Fatalf("discarding an already-discarded fork must be a no-op success, got %v", err)
	}
}

func TestCheckpointCreateRestoreDelete(t *testing.T) {
	svc, workspace := newTestService(t, 4)
	ctx := context.Background()
	p := writeWorkbook(t, workspace, "a.xlsx")

	forkId, err := svc.CreateFork(ctx, p)
	if err != nil {
		t.Fatalf("CreateFork: %v", err)
	}
	cpId, err := svc.CreateCheckpoint(ctx, forkId, "before-edit")
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if _, err := svc.EditFork(ctx, forkId, nil, forkcore.EditBatch{{Sheet: "S", Ref: "A1", Op: "set"}}); err != nil {
		t.Fatalf("EditFork: %v", err)
	}

	newVersion, err := svc.RestoreCheckpoint(ctx, forkId, cpId)
	if err != nil {
		t.Fatalf("RestoreCheckpoint: %v", err)
	}
	// version increments on create_checkpoint (0->1), edit_fork (1->2), and
	// restore_checkpoint (2->3).
	if newVersion != 3 {
		t.Fatalf("new_version after restore = %d, want 3", newVersion)
	}

	if err := svc.DeleteCheckpoint(ctx, forkId, cpId); err != nil {
		t.Fatalf("DeleteCheckpoint: %v", err)
	}
	if _, err := svc.RestoreCheckpoint(ctx, forkId, cpId); forkcore.CodeOf(err) != forkcore.NotFound {
		t.Fatalf("expected NotFound restoring a deleted checkpoint, got %v", err)
	}
}

func TestCacheStatsReflectsOpens(t *testing.T) {
	svc, workspace := newTestService(t, 4)
	ctx := context.Background()
	p := writeWorkbook(t, workspace, "a.xlsx")

	if _, err := svc.OpenWorkbook(ctx, p); err != nil {
		t.Fatalf("OpenWorkbook: %v", err)
	}
	stats, err := svc.CacheStats(ctx)
	if err != nil {
		t.Fatalf("CacheStats: %v", err)
	}
	if stats.Operations != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
