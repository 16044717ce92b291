package hedge

import "sync"

// Lease is a held HEDGING lock. Release resets the key unless Activate
// succeeded, so `defer lease.Release()` right after Acquire guarantees no
// lock outlives its order attempt.
type Lease struct {
	tracker *Tracker
	key     Key
	once    sync.Once
	mu      sync.Mutex
	settled bool
}

// Acquire locks key and returns a lease, or false if the key is not AVAILABLE
func (t *Tracker) Acquire(key Key) (*Lease, bool) {
	if !t.Lock(key) {
		return nil, false
	}
	return &Lease{tracker: t, key: key}, true
}

// Key returns the leased key
func (l *Lease) Key() Key { return l.key }

// Activate marks the hedge as placed. Once Activate has been called Release
// is a no-op: a failed activation leaves the key in ERROR for an explicit
// reset.
func (l *Lease) Activate(hedgeTicket int64, hedgeSymbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settled = true
	return l.tracker.Activate(l.key, hedgeTicket, hedgeSymbol)
}

// Release resets the key if the lease was never activated. Safe to call more
// than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.mu.Lock()
		settled := l.settled
		l.mu.Unlock()
		if !settled {
			l.tracker.Reset(l.key)
		}
	})
}
