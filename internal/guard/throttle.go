package guard

import (
	"sync"
	"time"

	"github.com/ChuLiYu/actionguard/pkg/types"
)

// Throttle lets the first call through and rejects the rest until the lock
// expires.
type Throttle struct {
	mu    sync.Mutex
	now   Clock
	locks map[types.Key]time.Time // unlock instant
}

func NewThrottle(now Clock) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{now: now, locks: make(map[types.Key]time.Time)}
}

// TryAcquire sets the lock to now+d and reports true, or reports false
// without side effects while the key is locked. ignore bypasses the check
// but still resets the window.
func (t *Throttle) TryAcquire(key types.Key, d time.Duration, ignore bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if until, ok := t.locks[key]; ok && !ignore && now.Before(until) {
		return false
	}
	t.locks[key] = now.Add(d)
	return true
}

// Release removes the lock for key.
func (t *Throttle) Release(key types.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, key)
}

// ReleaseAll removes every lock.
func (t *Throttle) ReleaseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locks = make(map[types.Key]time.Time)
}

// Snapshot copies the unexpired locks.
func (t *Throttle) Snapshot() map[types.Key]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[types.Key]time.Time, len(t.locks))
	now := t.now()
	for k, until := range t.locks {
		if now.Before(until) {
			out[k] = until
		} else {
			delete(t.locks, k)
		}
	}
	return out
}
