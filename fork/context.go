// Package fork implements the Fork Registry (C4), Fork Context (C5), and
// Checkpoint & Staged-Change store (C6): the mutable, version-counted
// per-fork state and the registry that owns the collection of forks.
package fork

import (
	"sync"
	"time"

	"github.com/sheetmcp/forkcore"
)

// Checkpoint is an ordered, labelled snapshot of a fork's work file.
type Checkpoint struct {
	Id           forkcore.CheckpointId
	Label        string
	SnapshotPath string
	CreatedAt    time.Time
}

// StagedChange is a pending edit batch not yet reflected in the fork's work
// file.
type StagedChange struct {
	Id        forkcore.ChangeId
	Batch     forkcore.EditBatch
	CreatedAt time.Time
}

// Context is the per-fork mutable state. Every field below mu is protected
// by it (the fork's "intrinsic lock", distinct from both the registry's
// global lock and this fork's own recalc lock).
type Context struct {
	id             forkcore.ForkId
	baseWorkbookId forkcore.WorkbookId
	workPath       string

	recalcLock *chanMutex // serialises recalc/restore, independent of mu

	mu            sync.Mutex
	version       int64
	editLog       []forkcore.AppliedBatch
	checkpoints   []Checkpoint
	stagedChanges []StagedChange
	recalculated  bool
}

func newContext(id forkcore.ForkId, baseWorkbookId forkcore.WorkbookId, workPath string) *Context {
	return &Context{
		id:             id,
		baseWorkbookId: baseWorkbookId,
		workPath:       workPath,
		recalcLock:     newChanMutex(),
	}
}

// Id returns the fork's identity.
func (c *Context) Id() forkcore.ForkId { return c.id }

// BaseWorkbookId returns the WorkbookId the fork was cut from.
func (c *Context) BaseWorkbookId() forkcore.WorkbookId { return c.baseWorkbookId }

// WorkPath returns the filesystem path of the fork's private work file.
// Stable over the fork's lifetime; only the file's content changes.
func (c *Context) WorkPath() string { return c.workPath }

// State is a point-in-time, race-free snapshot of a fork's logical state.
type State struct {
	Id             forkcore.ForkId
	BaseWorkbookId forkcore.WorkbookId
	WorkPath       string
	Version        int64
	EditLog        []forkcore.AppliedBatch
	Checkpoints    []Checkpoint
	StagedChanges  []StagedChange
	Recalculated   bool
}

// Snapshot copies out the fork's current state under the intrinsic lock.
func (c *Context) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Id:             c.id,
		BaseWorkbookId: c.baseWorkbookId,
		WorkPath:       c.workPath,
		Version:        c.version,
		EditLog:        append([]forkcore.AppliedBatch(nil), c.editLog...),
		Checkpoints:    append([]Checkpoint(nil), c.checkpoints...),
		StagedChanges:  append([]StagedChange(nil), c.stagedChanges...),
		Recalculated:   c.recalculated,
	}
}

// Version returns the current version under the intrinsic lock.
func (c *Context) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}
