package workbookcache

import (
	"github.com/sheetmcp/forkcore"
)

// logEvictCloseError records a failure to close an evicted or raced-out
// WorkbookHandle. Eviction itself is infallible from the caller's point of
// view, so this is surfaced only through internal logging.
func logEvictCloseError(id forkcore.WorkbookId, err error) {
	forkcore.WorkbookLogger(id).Warn("workbookcache: closing evicted handle failed", "error", err)
}
