package fork

import "context"

// chanMutex is a binary mutex acquirable with a context deadline, used for
// the per-fork recalc lock: a plain sync.Mutex has no way to abandon a
// blocked Lock() when the caller's deadline elapses.
type chanMutex struct {
	slot chan struct{}
}

func newChanMutex() *chanMutex {
	m := &chanMutex{slot: make(chan struct{}, 1)}
	m.slot <- struct{}{}
	return m
}

// Lock blocks until the mutex is acquired or ctx is done. On a cancelled or
// expired ctx, Lock returns ctx.Err() without having taken the slot - the
// wait is abandoned cleanly, never leaking a held lock.
func (m *chanMutex) Lock(ctx context.Context) error {
	select {
	case <-m.slot:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the mutex. Must be called exactly once per successful Lock.
func (m *chanMutex) Unlock() {
	m.slot <- struct{}{}
}
