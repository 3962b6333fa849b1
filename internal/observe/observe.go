// Package observe implements the two-phase dispatch observer and the error
// interception chain.
//
// Observer callbacks must never change the outcome of a dispatch: their
// errors and panics are swallowed here. The interception chain runs
// call-site handlers, then named-configuration handlers, then the global
// handler; the first handler that returns nil suppresses the error.
package observe

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/actionguard/internal/modifier"
	"github.com/ChuLiYu/actionguard/pkg/types"
)

// Phase of an observer event.
type Phase int

const (
	PhaseStart Phase = iota
	PhaseEnd
)

func (p Phase) String() string {
	if p == PhaseStart {
		return "start"
	}
	return "end"
}

// Event is delivered to an Observer once at the start and once at the end of
// every dispatch that runs its action. Retries do not produce extra events.
type Event struct {
	ID       uint64 // dispatch id, shared by the start and end events
	Phase    Phase
	Key      types.Key
	Metrics  any
	Err      error         // end only
	Duration time.Duration // end only
}

// Observer receives dispatch events. A returned error is discarded.
type Observer func(Event) error

// Multi fans an event out to several observers. Every observer runs even if
// an earlier one fails or panics.
func Multi(observers ...Observer) Observer {
	return func(ev Event) error {
		for _, o := range observers {
			notify(nil, o, ev)
		}
		return nil
	}
}

// Run tracks one dispatch between its start and end events.
type Run struct {
	id       uint64
	key      types.Key
	metrics  modifier.MetricsFunc
	observer Observer
	log      *slog.Logger
	now      func() time.Time
	started  time.Time
}

// Start fires the start event. A nil observer makes both phases no-ops
// (the metrics function is not invoked either).
func Start(id uint64, key types.Key, metrics modifier.MetricsFunc, o Observer, log *slog.Logger, now func() time.Time) *Run {
	if now == nil {
		now = time.Now
	}
	r := &Run{id: id, key: key, metrics: metrics, observer: o, log: log, now: now, started: now()}
	if o != nil {
		notify(log, o, Event{ID: id, Phase: PhaseStart, Key: key, Metrics: Metrics(metrics)})
	}
	return r
}

// End fires the end event and returns the measured duration.
func (r *Run) End(err error) time.Duration {
	d := r.now().Sub(r.started)
	if r.observer != nil {
		notify(r.log, r.observer, Event{
			ID:       r.id,
			Phase:    PhaseEnd,
			Key:      r.key,
			Metrics:  Metrics(r.metrics),
			Err:      err,
			Duration: d,
		})
	}
	return d
}

// Metrics invokes fn. When fn fails (or panics) the failure itself becomes
// the metrics value.
func Metrics(fn modifier.MetricsFunc) (v any) {
	if fn == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			v = panicError(p)
		}
	}()
	m, err := fn()
	if err != nil {
		return err
	}
	return m
}

func notify(log *slog.Logger, o Observer, ev Event) {
	defer func() {
		if p := recover(); p != nil && log != nil {
			log.Debug("observer panicked", "key", ev.Key, "phase", ev.Phase, "panic", p)
		}
	}()
	if err := o(ev); err != nil && log != nil {
		log.Debug("observer failed", "key", ev.Key, "phase", ev.Phase, "error", err)
	}
}

func panicError(p any) error {
	if err, ok := p.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", p)
}

// ============================================================================
// Interception chain
// ============================================================================

// Outcome classifies an error after the interception chain.
type Outcome int

const (
	Suppressed Outcome = iota // a handler returned nil
	UserFacing                // survived as a *types.UserError
	Fault                     // survived as anything else
)

func (o Outcome) String() string {
	switch o {
	case Suppressed:
		return "suppressed"
	case UserFacing:
		return "user_facing"
	default:
		return "fault"
	}
}

// Intercept runs the resolved chain (call-site first, then named) followed
// by the global handler. ProtocolError never enters the chain.
func Intercept(chain []modifier.CatchFunc, global modifier.CatchFunc, err error, key types.Key) (Outcome, error) {
	if err == nil {
		return Suppressed, nil
	}
	if !types.IsProtocolError(err) {
		if global != nil {
			chain = append(chain[:len(chain):len(chain)], global)
		}
		err = modifier.Catch(chain, err, key)
	}
	return Classify(err), err
}

// Classify reports how a surviving error is presented.
func Classify(err error) Outcome {
	if err == nil {
		return Suppressed
	}
	if _, ok := types.AsUserError(err); ok {
		return UserFacing
	}
	return Fault
}
