// Package lockcheck provides a test-only probe for asserting that none of a
// set of watched locks is held while an I/O, parse, or recalc backend call
// runs. Production code keeps using sync.Mutex/sync.RWMutex directly; a
// test hands the real lock fields to a Span and probes from inside an
// instrumented collaborator (a FileIO, a parser) invoked by the code under
// test, so a lock held across the call is caught on the production path
// itself rather than in a simulation.
package lockcheck

// TryLocker is the subset of sync.Mutex and sync.RWMutex a Span needs: the
// ability to test-and-release a lock without blocking. For an RWMutex this
// probes the write lock, so a held read lock is reported too - which is
// what a lock-free-during-I/O assertion wants.
type TryLocker interface {
	TryLock() bool
	Unlock()
}

// Span traces a region of code that must run with every watched lock free.
// Probe calls are only meaningful when no goroutine other than the one
// driving the code under test can legitimately hold a watched lock; the
// single-goroutine test flows this package serves satisfy that.
type Span struct {
	names      []string
	watched    []TryLocker
	violations []string
}

// NewSpan returns an empty Span; add locks with Watch.
func NewSpan() *Span {
	return &Span{}
}

// Watch registers a lock under a name used in violation reports.
func (s *Span) Watch(name string, l TryLocker) {
	s.names = append(s.names, name)
	s.watched = append(s.watched, l)
}

// Probe records a violation for every watched lock currently held. label
// identifies the probing call site (e.g. "CopyFile") in the report.
func (s *Span) Probe(label string) {
	for i, l := range s.watched {
		if l.TryLock() {
			l.Unlock()
			continue
		}
		s.violations = append(s.violations, label+": "+s.names[i])
	}
}

// Violations returns every "label: lock" pair recorded by Probe while a
// watched lock was held. Empty means the traced region ran lock-free.
func (s *Span) Violations() []string {
	return s.violations
}
