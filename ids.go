package forkcore

import (
	"github.com/google/uuid"
)

// UUID is a thin wrapper over github.com/google/uuid.UUID so that the rest of
// this module stays decoupled from the external package's API surface.
type UUID uuid.UUID

// NilUUID is the zero-value UUID.
var NilUUID UUID

// NewUUID returns a new time-ordered (version 7) UUID. Ids minted later
// compare and sort after ids minted earlier, which keeps fork directories,
// checkpoint files, and audit resources listable in creation order.
// Generation fails only if the system entropy source is exhausted; that is
// a broken host, not a transient condition, so it is surfaced as a panic
// rather than masked by a retry.
func NewUUID() UUID {
	id, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}
	return UUID(id)
}

// ParseUUID converts a string to a UUID, returning an error if it is not a
// valid UUID.
func ParseUUID(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	return UUID(u), err
}

// IsNil reports whether the UUID equals the zero-value UUID.
func (id UUID) IsNil() bool {
	return id == NilUUID
}

// String returns the canonical string representation of the UUID.
func (id UUID) String() string {
	return uuid.UUID(id).String()
}

// WorkbookId is the opaque, stable identity of a parsed workbook. Two callers
// referencing the same underlying file by any means (id, alias, path)
// resolve to the same WorkbookId.
type WorkbookId UUID

// String returns the canonical string representation.
func (id WorkbookId) String() string { return UUID(id).String() }

// IsNil reports whether this is the zero-value WorkbookId.
func (id WorkbookId) IsNil() bool { return UUID(id).IsNil() }

// NewWorkbookId mints a new, never-reused WorkbookId.
func NewWorkbookId() WorkbookId { return WorkbookId(NewUUID()) }

// ForkId is the opaque identity of a fork. It is a distinct Go type from
// WorkbookId so the compiler - not just convention - prevents the two from
// being interchanged.
type ForkId UUID

// String returns the canonical string representation.
func (id ForkId) String() string { return UUID(id).String() }

// IsNil reports whether this is the zero-value ForkId.
func (id ForkId) IsNil() bool { return UUID(id).IsNil() }

// NewForkId mints a new ForkId.
func NewForkId() ForkId { return ForkId(NewUUID()) }

// CheckpointId is the opaque identity of a checkpoint within a fork.
type CheckpointId UUID

// String returns the canonical string representation.
func (id CheckpointId) String() string { return UUID(id).String() }

// NewCheckpointId mints a new CheckpointId.
func NewCheckpointId() CheckpointId { return CheckpointId(NewUUID()) }

// ChangeId is the opaque identity of a staged change within a fork.
type ChangeId UUID

// String returns the canonical string representation.
func (id ChangeId) String() string { return UUID(id).String() }

// NewChangeId mints a new ChangeId.
func NewChangeId() ChangeId { return ChangeId(NewUUID()) }
