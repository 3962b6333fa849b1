// ============================================================================
// Actionguard Guards - per-key admission state
// ============================================================================
//
// Package: internal/guard
// Files: fresh.go, throttle.go, debounce.go, nonreentrant.go
//
// Every guard owns one per-key map behind its own mutex. Each operation is a
// single read-check-write under that mutex, so two dispatches on the same key
// can never both pass a check that only one of them should pass.
//
// Freshness state machine for one key:
//
//	absent / expired ──Begin()──> provisional (owned by ticket)
//	provisional ──Commit()──> fresh until now+freshFor
//	provisional ──Rollback()──> value captured at Begin (absent or older expiry)
//	any ──Force()──> absent
//
// Rollback only touches the entry while it is still owned by the ticket that
// wrote it, so a later call that completed in between keeps its entry.
//
// ============================================================================

package guard

import (
	"sync"
	"time"

	"github.com/ChuLiYu/actionguard/pkg/types"
)

// Clock returns the current time.
type Clock func() time.Time

type freshEntry struct {
	expiry time.Time
	owner  uint64
}

// Freshness skips re-execution while a key's result is still fresh.
type Freshness struct {
	mu      sync.Mutex
	now     Clock
	entries map[types.Key]freshEntry
	seq     uint64
}

// FreshTicket is held by one dispatch between Begin and Commit/Rollback.
type FreshTicket struct {
	key      types.Key
	id       uint64
	freshFor time.Duration
	prior    freshEntry
	hadPrior bool
}

func NewFreshness(now Clock) *Freshness {
	if now == nil {
		now = time.Now
	}
	return &Freshness{now: now, entries: make(map[types.Key]freshEntry)}
}

// IsFresh reports whether key is still inside its freshness window.
// Expired entries are purged lazily.
func (f *Freshness) IsFresh(key types.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freshLocked(key)
}

func (f *Freshness) freshLocked(key types.Key) bool {
	e, ok := f.entries[key]
	if !ok {
		return false
	}
	if f.now().Before(e.expiry) {
		return true
	}
	delete(f.entries, key)
	return false
}

// Begin checks key and, when it is not fresh (or ignore is set), stamps a
// provisional expiry owned by the returned ticket. A nil ticket means the key
// is fresh and the action must be skipped.
func (f *Freshness) Begin(key types.Key, freshFor time.Duration, ignore bool) *FreshTicket {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !ignore && f.freshLocked(key) {
		return nil
	}

	f.seq++
	prior, hadPrior := f.entries[key]
	t := &FreshTicket{key: key, id: f.seq, freshFor: freshFor, prior: prior, hadPrior: hadPrior}
	f.entries[key] = freshEntry{expiry: f.now().Add(freshFor), owner: t.id}
	return t
}

// Commit stamps the window from the moment of success.
func (f *Freshness) Commit(t *FreshTicket) {
	if t == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[t.key] = freshEntry{expiry: f.now().Add(t.freshFor), owner: t.id}
}

// Rollback restores the value captured at Begin, unless another dispatch
// has written the entry since.
func (f *Freshness) Rollback(t *FreshTicket) {
	if t == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, ok := f.entries[t.key]
	if !ok || cur.owner != t.id {
		return
	}
	if t.hadPrior {
		f.entries[t.key] = t.prior
	} else {
		delete(f.entries, t.key)
	}
}

// Expiry returns the stored expiry for key.
func (f *Freshness) Expiry(key types.Key) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	return e.expiry, ok
}

// Force drops key so the next call runs.
func (f *Freshness) Force(key types.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
}

// ForceAll drops every entry.
func (f *Freshness) ForceAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = make(map[types.Key]freshEntry)
}

// Snapshot copies the live (unexpired) entries.
func (f *Freshness) Snapshot() map[types.Key]time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[types.Key]time.Time, len(f.entries))
	now := f.now()
	for k, e := range f.entries {
		if now.Before(e.expiry) {
			out[k] = e.expiry
		}
	}
	return out
}
