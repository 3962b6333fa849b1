package optimistic

import (
	"context"

	"github.com/ChuLiYu/actionguard/internal/modifier"
	"github.com/ChuLiYu/actionguard/pkg/types"
)

// Command is a one-shot server command applied optimistically.
//
// V is the locally observable value, R the server response.
type Command[V, R any] struct {
	Key types.Key
	// NonReentrantKey decouples exclusion from Key. Zero means Key.
	NonReentrantKey types.Key

	// Value is applied to local state before the request is sent.
	Value V

	Get  func() V
	Set  func(V)
	Send func(ctx context.Context, value V) (R, error)

	// ApplyResponse runs after a successful Send.
	ApplyResponse func(resp R)

	// ShouldRollback defaults to "the current value is still the one this
	// command applied".
	ShouldRollback func(current, initial, optimistic V, err error) bool
	// RollbackValue defaults to initial.
	RollbackValue func(initial, optimistic V, err error) V

	// Reload refreshes local state from the server. ShouldReload defaults to
	// err != nil.
	Reload       func(ctx context.Context) error
	ShouldReload func(current, initial, optimistic V, err error) bool

	Equal func(a, b V) bool

	// Named and Modifiers are resolved like any dispatch; non-reentrancy on
	// NonReentrantKey (or Key) is added on top unless Reentrant is set.
	Named     *modifier.Layer
	Modifiers modifier.Layer

	// Reentrant lets overlapping commands on the same key all run.
	Reentrant bool
}

// Dispatch runs the command through the coordinator.
func (c Command[V, R]) Dispatch(ctx context.Context, e *Engine) (types.Status, error) {
	eq := equalFunc(c.Equal)
	explicit := c.Modifiers
	cfg := modifier.Resolve(nil, c.Named, &explicit)
	if !c.Reentrant {
		cfg.NonReentrant = modifier.NonReentrantConfig{Enabled: true, Key: c.NonReentrantKey.Or(c.Key)}
	}

	var initial V
	optimistic := c.Value

	apply := func(context.Context) error {
		initial = c.Get()
		c.Set(optimistic)
		return nil
	}

	settle := func(ctx context.Context, err error) {
		current := c.Get()
		if err != nil && c.shouldRollback(eq, current, initial, optimistic, err) {
			restore := initial
			if c.RollbackValue != nil {
				restore = c.RollbackValue(initial, optimistic, err)
			}
			c.Set(restore)
			e.log.Debug("optimistic command rolled back", "key", c.Key, "error", err)
			current = restore
		}
		if c.Reload != nil && c.shouldReload(current, initial, optimistic, err) {
			if rErr := c.Reload(ctx); rErr != nil {
				e.log.Warn("reload after command failed", "key", c.Key, "error", rErr)
			}
		}
	}

	// apply runs first and settle runs before any configured after hook
	cfg.Before = append([]modifier.BeforeFunc{apply}, cfg.Before...)
	cfg.After = append([]modifier.AfterFunc{settle}, cfg.After...)

	return e.coord.Dispatch(ctx, c.Key, cfg, func(ctx context.Context) error {
		resp, err := c.Send(ctx, optimistic)
		if err != nil {
			return err
		}
		if c.ApplyResponse != nil {
			c.ApplyResponse(resp)
		}
		return nil
	})
}

func (c Command[V, R]) shouldRollback(eq func(a, b V) bool, current, initial, optimistic V, err error) bool {
	if c.ShouldRollback != nil {
		return c.ShouldRollback(current, initial, optimistic, err)
	}
	return eq(current, optimistic)
}

func (c Command[V, R]) shouldReload(current, initial, optimistic V, err error) bool {
	if c.ShouldReload != nil {
		return c.ShouldReload(current, initial, optimistic, err)
	}
	return err != nil
}
