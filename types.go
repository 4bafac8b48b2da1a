package forkcore

import (
	"encoding/json"
	"time"
)

// CellMutation is a single, format-agnostic cell-level edit. The core never
// interprets Sheet/Ref/Op/Value; it only orders, logs, and hands batches off
// to a BatchApplier collaborator which understands the spreadsheet format.
type CellMutation struct {
	Sheet string          `json:"sheet"`
	Ref   string          `json:"ref"`
	Op    string          `json:"op"`
	Value json.RawMessage `json:"value,omitempty"`
}

// EditBatch is an ordered list of cell-level mutations applied atomically:
// either the whole batch lands in the edit log and the fork's file, or
// neither does, even across a crash between the two steps.
type EditBatch []CellMutation

// AppliedBatch records one successful application of an EditBatch to a
// fork's work file, kept in the fork's edit log in application order.
type AppliedBatch struct {
	Batch     EditBatch
	AppliedAt time.Time
	// RestoreOf is non-zero when this log entry records a checkpoint restore
	// rather than a directly-applied batch.
	RestoreOf CheckpointId
}

// WorkbookSummary is the small, format-agnostic description of a parsed
// workbook returned to callers (e.g. by open_workbook).
type WorkbookSummary struct {
	SheetNames []string
	SizeBytes  int64
}
