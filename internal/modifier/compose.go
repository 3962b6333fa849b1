package modifier

import (
	"context"

	"github.com/ChuLiYu/actionguard/pkg/types"
)

// composeCallbacks builds the ordered callback pipelines.
//
//	before, after: named runs first, then call-site
//	wrapRun:       named wrapper is outermost and calls through to the call-site wrapper
//	catchError:    call-site first, then named; a nil return stops the chain
//	metrics:       call-site overrides named
func composeCallbacks(r *Resolved, named, explicit *Layer) {
	if named.Before != nil {
		r.Before = append(r.Before, named.Before)
	}
	if explicit.Before != nil {
		r.Before = append(r.Before, explicit.Before)
	}

	if named.After != nil {
		r.After = append(r.After, named.After)
	}
	if explicit.After != nil {
		r.After = append(r.After, explicit.After)
	}

	if named.WrapRun != nil {
		r.Wraps = append(r.Wraps, named.WrapRun)
	}
	if explicit.WrapRun != nil {
		r.Wraps = append(r.Wraps, explicit.WrapRun)
	}

	if explicit.CatchError != nil {
		r.Catches = append(r.Catches, explicit.CatchError)
	}
	if named.CatchError != nil {
		r.Catches = append(r.Catches, named.CatchError)
	}

	r.Metrics = explicit.Metrics
	if r.Metrics == nil {
		r.Metrics = named.Metrics
	}
}

// Wrap nests the wrappers around action, first wrapper outermost.
func Wrap(wraps []WrapFunc, action Action) Action {
	wrapped := action
	for i := len(wraps) - 1; i >= 0; i-- {
		w, next := wraps[i], wrapped
		wrapped = func(ctx context.Context) error {
			return w(ctx, next)
		}
	}
	return wrapped
}

// RunBefore runs the before hooks in order and stops at the first error.
func RunBefore(ctx context.Context, hooks []BeforeFunc) error {
	for _, h := range hooks {
		if err := h(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RunAfter runs every after hook.
func RunAfter(ctx context.Context, hooks []AfterFunc, err error) {
	for _, h := range hooks {
		h(ctx, err)
	}
}

// Catch runs the catch handlers in order. It returns nil as soon as one
// handler suppresses the error; otherwise the value raised by the last
// handler (or err itself when there are none).
func Catch(handlers []CatchFunc, err error, key types.Key) error {
	for _, h := range handlers {
		err = h(err, key)
		if err == nil {
			return nil
		}
	}
	return err
}
