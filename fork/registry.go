package fork

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sheetmcp/forkcore"
	"github.com/sheetmcp/forkcore/fsio"
	"github.com/sheetmcp/forkcore/raii"
	"github.com/sheetmcp/forkcore/recalc"
)

// WorkbookOpener is the subset of workbookcache.Cache the registry depends
// on to resolve a base_ref to a WorkbookId.
type WorkbookOpener interface {
	Open(ctx context.Context, ref string) (forkcore.WorkbookId, forkcore.WorkbookHandle, error)
}

// PathResolver is the subset of identity.Resolver the registry depends on
// to find the canonical path backing a WorkbookId, so it can copy the file.
type PathResolver interface {
	PathOf(id forkcore.WorkbookId) (string, bool)
}

// CacheInvalidator is the subset of workbookcache.Cache the registry uses to
// tell the cache that a saved-over path's content changed.
type CacheInvalidator interface {
	InvalidateByPath(path string)
}

// MutateFunc is the caller-supplied closure run under a fork's intrinsic
// lock by WithForkMut / WithForkMutVersioned.
type MutateFunc func(ctx context.Context, fc *Context) error

// Registry owns every live fork. The zero value is not usable; construct
// with NewRegistry.
type Registry struct {
	workspaceRoot string
	maxForks      int

	opener      WorkbookOpener
	locator     PathResolver
	invalidator CacheInvalidator
	fileio      fsio.FileIO
	gate        *recalc.Gate
	backend     forkcore.RecalcBackend

	mu    sync.RWMutex
	forks map[forkcore.ForkId]*Context
}

// Deps bundles the Registry's collaborators.
type Deps struct {
	WorkspaceRoot string
	MaxForks      int
	Opener        WorkbookOpener
	Locator       PathResolver
	Invalidator   CacheInvalidator
	FileIO        fsio.FileIO
	Gate          *recalc.Gate
	Backend       forkcore.RecalcBackend
}

// NewRegistry constructs a Registry from its collaborators.
func NewRegistry(d Deps) (*Registry, error) {
	if d.MaxForks < 1 {
		return nil, fmt.Errorf("fork: max_forks must be >= 1, got %d", d.MaxForks)
	}
	return &Registry{
		workspaceRoot: d.WorkspaceRoot,
		maxForks:      d.MaxForks,
		opener:        d.Opener,
		locator:       d.Locator,
		invalidator:   d.Invalidator,
		fileio:        d.FileIO,
		gate:          d.Gate,
		backend:       d.Backend,
		forks:         make(map[forkcore.ForkId]*Context),
	}, nil
}

// Delete is the raii.RegistrySlot hook used by RegistryGuard.
func (r *Registry) Delete(id forkcore.ForkId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.forks, id)
}

// CreateFork resolves baseRef via the workbook opener, copies the
// underlying file into a private directory named after the new ForkId under
// r.workspaceRoot, and registers a fresh Context at version 0. The fork
// directory and the registry slot are each owned by a guard; both are
// committed only once both the copy and the insert have succeeded, so a
// failure or cancellation anywhere leaves neither an orphaned file nor an
// orphaned registry entry.
func (r *Registry) CreateFork(ctx context.Context, baseRef string) (forkcore.ForkId, error) {
	r.mu.RLock()
	atCapacity := len(r.forks) >= r.maxForks
	r.mu.RUnlock()
	if atCapacity {
		return forkcore.ForkId{}, forkcore.NewError(forkcore.ForkLimitExceeded,
			fmt.Errorf("max_forks (%d) reached", r.maxForks), baseRef)
	}

	baseId, _, err := r.opener.Open(ctx, baseRef)
	if err != nil {
		return forkcore.ForkId{}, err
	}
	basePath, ok := r.locator.PathOf(baseId)
	if !ok {
		return forkcore.ForkId{}, forkcore.NewError(forkcore.Internal,
			fmt.Errorf("workbook %s has no registered path", baseId), baseRef)
	}

	forkId := forkcore.NewForkId()
	forkDir := filepath.Join(r.workspaceRoot, forkId.String())
	workPath := filepath.Join(forkDir, "work"+filepath.Ext(basePath))

	if err := r.fileio.MkdirAll(ctx, forkDir); err != nil {
		return forkcore.ForkId{}, err
	}
	dirGuard := raii.NewDirGuard(forkDir)
	defer dirGuard.Rollback() // no-op once committed below

	if err := r.fileio.CopyFile(ctx, basePath, workPath); err != nil {
		return forkcore.ForkId{}, err
	}

	fc := newContext(forkId, baseId, workPath)

	r.mu.Lock()
	if len(r.forks) >= r.maxForks {
		r.mu.Unlock()
		return forkcore.ForkId{}, forkcore.NewError(forkcore.ForkLimitExceeded,
			fmt.Errorf("max_forks (%d) reached", r.maxForks), baseRef)
	}
	r.forks[forkId] = fc
	r.mu.Unlock()

	registryGuard := raii.NewRegistryGuard[forkcore.ForkId](r, forkId)
	defer registryGuard.Rollback() // no-op once committed below

	dirGuard.Commit()
	registryGuard.Commit()
	return forkId, nil
}

func (r *Registry) lookup(id forkcore.ForkId) (*Context, error) {
	r.mu.RLock()
	fc, ok := r.forks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, forkcore.NewError(forkcore.NotFound, fmt.Errorf("no such fork"), id.String())
	}
	return fc, nil
}

// WithForkMut resolves id, takes its intrinsic lock, runs f, and increments
// version on a nil return. The registry's global lock is held only long
// enough to resolve the pointer.
func (r *Registry) WithForkMut(ctx context.Context, id forkcore.ForkId, f MutateFunc) error {
	fc, err := r.lookup(id)
	if err != nil {
		return err
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if err := f(ctx, fc); err != nil {
		return err
	}
	fc.version++
	return nil
}

// withForkMutNoVersion is WithForkMut without the version bump, for the
// sub-operations that do not touch visible state (stage_changes,
// discard_staged_change, delete_checkpoint).
func (r *Registry) withForkMutNoVersion(ctx context.Context, id forkcore.ForkId, f MutateFunc) error {
	fc, err := r.lookup(id)
	if err != nil {
		return err
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return f(ctx, fc)
}

// WithForkMutVersioned is WithForkMut with an optimistic-concurrency guard:
// it fails with VersionConflict without running f if the fork's current
// version does not equal expectedVersion.
func (r *Registry) WithForkMutVersioned(ctx context.Context, id forkcore.ForkId, expectedVersion int64, f MutateFunc) error {
	fc, err := r.lookup(id)
	if err != nil {
		return err
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.version != expectedVersion {
		return forkcore.NewError(forkcore.VersionConflict,
			fmt.Errorf("expected version %d, fork is at %d", expectedVersion, fc.version), id.String())
	}
	if err := f(ctx, fc); err != nil {
		return err
	}
	fc.version++
	return nil
}

// RecalcPermit is a held recalc lock + gate permit pair for one fork,
// released in reverse acquisition order by Release.
type RecalcPermit struct {
	fc    *Context
	gate  *recalc.Gate
	inner *recalc.Permit
}

// AcquireRecalcLock resolves the fork, takes its per-fork recalc lock, then
// takes a permit from the global recalc gate, in that order. If ctx is done
// at any point, all resources acquired so far are released before returning
// the error.
func (r *Registry) AcquireRecalcLock(ctx context.Context, id forkcore.ForkId) (*RecalcPermit, error) {
	fc, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := fc.recalcLock.Lock(ctx); err != nil {
		return nil, forkcore.NewError(forkcore.Timeout, err, id.String())
	}
	permit, err := r.gate.Acquire(ctx)
	if err != nil {
		fc.recalcLock.Unlock()
		return nil, err
	}
	return &RecalcPermit{fc: fc, gate: r.gate, inner: permit}, nil
}

// Release releases the gate permit, then the per-fork recalc lock,
// unwinding the acquisition order in reverse.
func (p *RecalcPermit) Release() {
	if p == nil {
		return
	}
	p.inner.Release()
	p.fc.recalcLock.Unlock()
}

// DiscardFork removes id from the registry and best-effort deletes its
// directory, which holds the work file and every checkpoint snapshot.
// Filesystem errors are logged but do not fail the call once the in-memory
// entry is gone - the fork no longer exists from the caller's perspective.
// An id that is already absent, whether never created or already discarded,
// is a no-op success.
func (r *Registry) DiscardFork(ctx context.Context, id forkcore.ForkId) error {
	r.mu.Lock()
	fc, ok := r.forks[id]
	if ok {
		delete(r.forks, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	state := fc.Snapshot()
	forkDir := filepath.Dir(state.WorkPath)
	if err := r.fileio.RemoveAll(ctx, forkDir); err != nil {
		forkcore.ForkLogger(id).Warn("fork: failed to remove fork directory on discard", "dir", forkDir, "error", err)
	}
	return nil
}

// List returns the ForkIds currently registered.
func (r *Registry) List() []forkcore.ForkId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]forkcore.ForkId, 0, len(r.forks))
	for id := range r.forks {
		ids = append(ids, id)
	}
	return ids
}

// Get returns a fork's current state snapshot.
func (r *Registry) Get(id forkcore.ForkId) (State, error) {
	fc, err := r.lookup(id)
	if err != nil {
		return State{}, err
	}
	return fc.Snapshot(), nil
}

// Count returns the number of live forks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.forks)
}
