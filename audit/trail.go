package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// lumberjackBackupName matches the default backup filename lumberjack
// produces when rotating "audit.log" (e.g. "audit-2026-07-31T14-03-05.123.log").
var lumberjackBackupName = regexp.MustCompile(`^audit-(\d{4})-(\d{2})-(\d{2})T(\d{2})-(\d{2})-(\d{2})\.\d{3}\.log$`)

// Filter selects a subset of buffered events for Query.
type Filter struct {
	Kind     string
	Resource string
	Since    time.Time
	Limit    int
}

// Trail is the process-wide audit recorder: a fixed-capacity in-memory ring
// buffer plus an append-only rotating log file. The zero value is not
// usable; construct with NewTrail.
type Trail struct {
	mu       sync.Mutex
	events   []Event
	head     int
	count    int
	capacity int

	nextId     atomic.Int64
	nextSpanId atomic.Int64

	logMu  sync.Mutex
	logger *lumberjack.Logger
	dir    string
	ext    string

	maxFiles int
	maxAge   time.Duration
}

// NewTrail constructs a Trail with the given ring-buffer capacity and log
// rotation policy. maxFileBytes bounds a single log file's size before
// rotation; maxFiles and maxAgeDays bound retention, enforced by lumberjack
// on rotation and again by Sweep on a timer so both dimensions are checked
// together rather than independently.
func NewTrail(capacity int, logDir string, maxFileBytes int64, maxFiles int, maxAgeDays int) (*Trail, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("audit: capacity must be >= 1, got %d", capacity)
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: creating log dir: %w", err)
	}
	baseName := filepath.Join(logDir, "audit.log")
	logger := &lumberjack.Logger{
		Filename:   baseName,
		MaxSize:    maxBytesToMB(maxFileBytes),
		MaxBackups: maxFiles,
		MaxAge:     maxAgeDays,
		Compress:   false,
	}
	t := &Trail{
		events:   make([]Event, capacity),
		capacity: capacity,
		logger:   logger,
		dir:      logDir,
		ext:      ".log",
		maxFiles: maxFiles,
		maxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
	}
	return t, nil
}

func maxBytesToMB(maxBytes int64) int {
	mb := maxBytes / (1 << 20)
	if mb < 1 {
		return 1
	}
	return int(mb)
}

// Scope opens a new audit scope. On End, an Event with outcome "success" is
// recorded unless Fail or Partial was called first.
func (t *Trail) Scope(kind, resource string, params map[string]any) *ScopeGuard {
	return &ScopeGuard{
		trail:     t,
		spanId:    t.nextSpanId.Add(1),
		kind:      kind,
		resource:  resource,
		params:    params,
		startedAt: time.Now(),
		outcome:   OutcomeSuccess,
	}
}

// ScopeGuard brackets one externally visible operation. Callers should
// `defer scope.End()` immediately after Scope returns.
type ScopeGuard struct {
	trail        *Trail
	spanId       int64
	parentSpanId int64
	kind         string
	resource     string
	params       map[string]any
	startedAt    time.Time

	mu      sync.Mutex
	outcome Outcome
	reason  string
	ended   bool
}

// Child opens a nested scope whose event will carry this scope's span id as
// its parent, for operations that perform audited sub-steps.
func (s *ScopeGuard) Child(kind, resource string, params map[string]any) *ScopeGuard {
	child := s.trail.Scope(kind, resource, params)
	child.parentSpanId = s.spanId
	return child
}

// Fail marks the scope as failed with reason. It may be called more than
// once before End; the last call to Partial or Fail sets the outcome.
func (s *ScopeGuard) Fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = OutcomeFailure
	s.reason = reason
}

// Partial marks the scope as partially succeeded with reason. The policy
// for when an operation counts as partial rather than successful lives in
// the caller, typically the rpc layer.
func (s *ScopeGuard) Partial(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = OutcomePartial
	s.reason = reason
}

// End finalises the scope, recording its Event. Idempotent: calling End
// more than once only records the first call's outcome.
func (s *ScopeGuard) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	outcome, reason := s.outcome, s.reason
	s.mu.Unlock()

	s.trail.record(Event{
		SpanId:       s.spanId,
		ParentSpanId: s.parentSpanId,
		Kind:         s.kind,
		Resource:     s.resource,
		Params:       s.params,
		Outcome:      outcome,
		Reason:       reason,
		StartedAt:    s.startedAt,
		DurationMs:   time.Since(s.startedAt).Milliseconds(),
	})
}

// record assigns a monotonic id, appends to the ring buffer (dropping the
// oldest entry if full), and persists to the log file. Persistence failures
// never propagate to the audited operation's caller; they are only logged.
func (t *Trail) record(e Event) {
	t.mu.Lock()
	// Id is assigned under the same lock that orders buffer insertion, so
	// the buffer's order and the id order can never disagree.
	e.Id = t.nextId.Add(1)
	if t.count < t.capacity {
		t.events[(t.head+t.count)%t.capacity] = e
		t.count++
	} else {
		t.events[t.head] = e
		t.head = (t.head + 1) % t.capacity
	}
	t.mu.Unlock()

	t.persist(e)
}

func (t *Trail) persist(e Event) {
	line, err := json.Marshal(e)
	if err != nil {
		slog.Error("audit: failed to marshal event", "id", e.Id, "error", err)
		return
	}
	line = append(line, '\n')

	t.logMu.Lock()
	defer t.logMu.Unlock()
	if _, err := t.logger.Write(line); err != nil {
		slog.Error("audit: failed to persist event", "id", e.Id, "error", err)
		return
	}
	t.renameRotatedFiles()
}

// renameRotatedFiles converts lumberjack's own backup naming
// ("audit-2026-07-31T14-03-05.123.log") to the audit-YYYYMMDD-HHMMSS.log
// pattern, called after every write so a roll that just happened is caught
// promptly. Cheap relative to rotation frequency: a directory listing
// bounded by maxFiles entries.
func (t *Trail) renameRotatedFiles() {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		m := lumberjackBackupName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		newName := fmt.Sprintf("audit-%s%s%s-%s%s%s.log", m[1], m[2], m[3], m[4], m[5], m[6])
		oldPath := filepath.Join(t.dir, e.Name())
		newPath := filepath.Join(t.dir, newName)
		if oldPath == newPath {
			continue
		}
		if _, err := os.Stat(newPath); err == nil {
			continue // a rename already claimed this target name this second
		}
		if err := os.Rename(oldPath, newPath); err != nil {
			slog.Warn("audit: failed to rename rotated log file", "from", oldPath, "to", newPath, "error", err)
		}
	}
}

// Query returns buffered events matching filter, oldest first, capped to
// filter.Limit most-recent matches if Limit > 0.
func (t *Trail) Query(filter Filter) []Event {
	t.mu.Lock()
	snapshot := make([]Event, t.count)
	for i := 0; i < t.count; i++ {
		snapshot[i] = t.events[(t.head+i)%t.capacity]
	}
	t.mu.Unlock()

	matched := make([]Event, 0, len(snapshot))
	for _, e := range snapshot {
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if filter.Resource != "" && e.Resource != filter.Resource {
			continue
		}
		if !filter.Since.IsZero() && e.StartedAt.Before(filter.Since) {
			continue
		}
		matched = append(matched, e)
	}

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[len(matched)-filter.Limit:]
	}
	return matched
}

// Capacity returns the ring buffer's configured capacity.
func (t *Trail) Capacity() int {
	return t.capacity
}

// Sweep re-validates the retention policy (max files, max age) against
// whatever log files are actually present, independent of lumberjack's own
// rotation-time enforcement. Intended to be called on a periodic timer by
// the process entrypoint.
func (t *Trail) Sweep() {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		slog.Warn("audit: sweep failed to list log directory", "dir", t.dir, "error", err)
		return
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	var backups []backup
	for _, e := range entries {
		if e.IsDir() || e.Name() == "audit.log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: filepath.Join(t.dir, e.Name()), modTime: info.ModTime()})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].modTime.After(backups[j].modTime) })

	cutoff := time.Now().Add(-t.maxAge)
	for i, b := range backups {
		tooOld := t.maxAge > 0 && b.modTime.Before(cutoff)
		tooMany := t.maxFiles > 0 && i >= t.maxFiles
		if tooOld || tooMany {
			if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
				slog.Warn("audit: sweep failed to remove stale log file", "path", b.path, "error", err)
			}
		}
	}
}
