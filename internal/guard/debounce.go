package guard

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/actionguard/pkg/types"
)

type pending struct {
	timer *time.Timer
	fired chan bool // receives exactly one value: true fired, false superseded
}

// Debouncer defers execution until a key has been quiet for the delay.
// Only the last call in a quiet window runs.
type Debouncer struct {
	mu      sync.Mutex
	pending map[types.Key]*pending
}

func NewDebouncer() *Debouncer {
	return &Debouncer{pending: make(map[types.Key]*pending)}
}

// Wait supersedes any pending call for key, then blocks until its own timer
// fires (true) or it is superseded or ctx ends (false).
func (d *Debouncer) Wait(ctx context.Context, key types.Key, delay time.Duration) bool {
	p := &pending{fired: make(chan bool, 1)}

	d.mu.Lock()
	if prev, ok := d.pending[key]; ok {
		prev.timer.Stop()
		prev.fired <- false
	}
	d.pending[key] = p
	p.timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.pending[key] == p {
			delete(d.pending, key)
			p.fired <- true
		}
	})
	d.mu.Unlock()

	select {
	case ok := <-p.fired:
		return ok
	case <-ctx.Done():
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.pending[key] == p {
			p.timer.Stop()
			delete(d.pending, key)
			return false
		}
		// fired or superseded concurrently, the value is already buffered
		return <-p.fired
	}
}

// Cancel drops the pending call for key, if any.
func (d *Debouncer) Cancel(key types.Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
		p.fired <- false
	}
}

// CancelAll drops every pending call.
func (d *Debouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, k)
		p.fired <- false
	}
}

// Pending lists keys with a timer still running.
func (d *Debouncer) Pending() []types.Key {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]types.Key, 0, len(d.pending))
	for k := range d.pending {
		keys = append(keys, k)
	}
	return keys
}
