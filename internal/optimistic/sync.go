package optimistic

import (
	"context"

	"github.com/ChuLiYu/actionguard/internal/modifier"
	"github.com/ChuLiYu/actionguard/pkg/types"
)

// Sync coalesces rapid local changes of one value into at most one request
// in flight per key. Every call applies Value at once; only the call that
// takes the lock sends, and it keeps sending follow-ups until the value it
// sent matches the current value.
//
// Named and Modifiers should not carry guards that skip the action (fresh,
// throttle, debounce, a full sequential queue). A skipped holder leaves its
// value unsent, returns the skip status and logs a warning.
type Sync[V any] struct {
	Key   types.Key
	Value V

	Get  func() V
	Set  func(V)
	Send func(ctx context.Context, value V) error

	// OnFinish runs on the lock holder after the lock is released.
	OnFinish func(err error)

	Equal func(a, b V) bool

	Named     *modifier.Layer
	Modifiers modifier.Layer
}

// Dispatch applies Value and, when no request is in flight for Key, sends
// it. Calls that only applied their value return StatusCoalesced.
func (s Sync[V]) Dispatch(ctx context.Context, e *Engine) (types.Status, error) {
	eq := equalFunc(s.Equal)
	s.Set(s.Value)

	owner, ok := e.tryLock(s.Key)
	if !ok {
		return types.StatusCoalesced, nil
	}

	explicit := s.Modifiers
	cfg := modifier.Resolve(nil, s.Named, &explicit)

	status, err := e.coord.Dispatch(ctx, s.Key, cfg, func(ctx context.Context) error {
		followUp := false
		for {
			sent := s.Get()
			e.metrics.RecordSyncRequest(followUp)
			if err := s.Send(ctx, sent); err != nil {
				return err
			}

			e.mu.Lock()
			if eq(sent, s.Get()) {
				e.unlockLocked(s.Key, owner)
				e.mu.Unlock()
				return nil
			}
			e.mu.Unlock()
			followUp = true
			e.log.Debug("sync follow-up", "key", s.Key)
		}
	})

	e.warnUnsent(s.Key, status)
	e.unlock(s.Key, owner)
	if s.OnFinish != nil {
		s.OnFinish(err)
	}
	return status, err
}

// warnUnsent logs when a guard skipped the lock holder's action: its value
// stays local until the next sync for the key.
func (e *Engine) warnUnsent(key types.Key, status types.Status) {
	switch status {
	case types.StatusCompleted, types.StatusFailed:
		return
	}
	e.log.Warn("sync value applied locally but not sent", "key", key, "status", status)
}
