package forkcore

import "context"

// WorkbookHandle is the parsed, in-memory representation of a workbook.
// Immutable after construction; mutation happens only via a fork. The
// concrete parsed representation (cell/region semantics) is out of scope for
// this core and lives in the WorkbookParser implementation.
type WorkbookHandle interface {
	// Summary returns a small, format-agnostic description of the workbook.
	Summary() WorkbookSummary
	// Close releases any resources (e.g. memory-mapped file handles) held by
	// the parsed representation. Called by the cache on eviction.
	Close() error
}

// WorkbookParser parses a workbook file on disk into a WorkbookHandle. This
// is the sole extension point for the spreadsheet binary format, which this
// core deliberately knows nothing about.
type WorkbookParser interface {
	Parse(ctx context.Context, path string) (WorkbookHandle, error)
}

// BatchApplier applies an EditBatch to a fork's work file. It owns the
// cell/region semantics and the write-temp-then-rename discipline required
// for atomic-per-batch application.
type BatchApplier interface {
	Apply(ctx context.Context, workPath string, batch EditBatch) error
}

// RecalcBackend invokes the external recalculation engine (e.g. a headless
// office process) on a fork's work file. The engine's process management
// lives entirely behind this interface.
type RecalcBackend interface {
	Recalc(ctx context.Context, workPath string) error
}
