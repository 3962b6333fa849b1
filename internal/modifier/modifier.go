// ============================================================================
// Actionguard Modifier Resolution
// ============================================================================
//
// Package: internal/modifier
// File: modifier.go
// Purpose: Merge the three configuration layers of a dispatch into one
//          resolved configuration per modifier.
//
// Layers (lowest to highest priority):
//   1. Defaults()      built-in values, never enables a modifier by itself
//   2. named Layer     reusable configuration (a "profile" loaded from YAML)
//   3. explicit Layer  call-site values
//
// Scalar fields: explicit wins, then named, then default.
// A modifier is enabled when the named or explicit layer carries its section.
//
// Callback fields are composed, not overridden (see compose.go).
//
// ============================================================================

package modifier

import (
	"context"
	"time"

	"github.com/ChuLiYu/actionguard/pkg/types"
)

// Unlimited as MaxRetries retries forever.
const Unlimited = -1

// Action is the unit of work wrapped by the dispatch pipeline.
type Action func(ctx context.Context) error

// BeforeFunc runs once per dispatch before the first attempt. An error fails
// the dispatch without running the action.
type BeforeFunc func(ctx context.Context) error

// AfterFunc runs once per dispatch after the action settled, success or not.
type AfterFunc func(ctx context.Context, err error)

// WrapFunc wraps every attempt of the action.
type WrapFunc func(ctx context.Context, next Action) error

// CatchFunc intercepts a failed dispatch. Returning nil suppresses the error
// and stops the chain; returning an error passes it (possibly replaced) on.
type CatchFunc func(err error, key types.Key) error

// MetricsFunc produces the observer metrics value. It is invoked at both
// observer phases.
type MetricsFunc func() (any, error)

// ConnectivityFunc reports whether the network is reachable.
type ConnectivityFunc func(ctx context.Context) bool

// ============================================================================
// Partial layers (nil field = not set in this layer)
// ============================================================================

type FreshLayer struct {
	For    *time.Duration `yaml:"fresh_for"`
	Ignore *bool          `yaml:"ignore_fresh"`
	Key    *types.Key     `yaml:"-"`
}

type ThrottleLayer struct {
	Duration          *time.Duration `yaml:"duration"`
	RemoveLockOnError *bool          `yaml:"remove_lock_on_error"`
	Ignore            *bool          `yaml:"ignore_throttle"`
	Key               *types.Key     `yaml:"-"`
}

type DebounceLayer struct {
	Duration *time.Duration `yaml:"duration"`
	Key      *types.Key     `yaml:"-"`
}

type NonReentrantLayer struct {
	Key *types.Key `yaml:"-"`
}

type SequentialLayer struct {
	MaxQueueSize *int           `yaml:"max_queue_size"`
	QueueTimeout *time.Duration `yaml:"queue_timeout"`
	DropOldest   *bool          `yaml:"drop_oldest"`
	Key          *types.Key     `yaml:"-"`
}

type RetryLayer struct {
	MaxRetries   *int           `yaml:"max_retries"`
	InitialDelay *time.Duration `yaml:"initial_delay"`
	Multiplier   *float64       `yaml:"multiplier"`
	MaxDelay     *time.Duration `yaml:"max_delay"`

	OnRetry func(attempt int, delay time.Duration, err error) `yaml:"-"`
}

type ConnectivityLayer struct {
	MaxRetryDelay *time.Duration   `yaml:"max_retry_delay"`
	Check         ConnectivityFunc `yaml:"-"`
}

// Layer is one partial configuration.
type Layer struct {
	DefaultKey    *types.Key         `yaml:"-"`
	Fresh         *FreshLayer        `yaml:"fresh"`
	Throttle      *ThrottleLayer     `yaml:"throttle"`
	Debounce      *DebounceLayer     `yaml:"debounce"`
	NonReentrant  *NonReentrantLayer `yaml:"non_reentrant"`
	Sequential    *SequentialLayer   `yaml:"sequential"`
	Retry         *RetryLayer        `yaml:"retry"`
	CheckInternet *ConnectivityLayer `yaml:"check_internet"`

	Before     BeforeFunc  `yaml:"-"`
	After      AfterFunc   `yaml:"-"`
	WrapRun    WrapFunc    `yaml:"-"`
	CatchError CatchFunc   `yaml:"-"`
	Metrics    MetricsFunc `yaml:"-"`
}

// ============================================================================
// Resolved configuration
// ============================================================================

type FreshConfig struct {
	Enabled bool
	For     time.Duration
	Ignore  bool
	Key     types.Key
}

type ThrottleConfig struct {
	Enabled           bool
	Duration          time.Duration
	RemoveLockOnError bool
	Ignore            bool
	Key               types.Key
}

type DebounceConfig struct {
	Enabled  bool
	Duration time.Duration
	Key      types.Key
}

type NonReentrantConfig struct {
	Enabled bool
	Key     types.Key
}

type SequentialConfig struct {
	Enabled      bool
	MaxQueueSize int // 0 = unbounded
	QueueTimeout time.Duration
	DropOldest   bool
	Key          types.Key
}

type RetryConfig struct {
	Enabled      bool
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	OnRetry      func(attempt int, delay time.Duration, err error)
}

type ConnectivityConfig struct {
	Enabled       bool
	MaxRetryDelay time.Duration
	Check         ConnectivityFunc
}

// Resolved is the immutable per-dispatch configuration.
type Resolved struct {
	DefaultKey   types.Key
	Fresh        FreshConfig
	Throttle     ThrottleConfig
	Debounce     DebounceConfig
	NonReentrant NonReentrantConfig
	Sequential   SequentialConfig
	Retry        RetryConfig
	Connectivity ConnectivityConfig

	// Ordered pipelines, already composed across layers.
	Before  []BeforeFunc
	After   []AfterFunc
	Wraps   []WrapFunc  // outermost first
	// Catches runs call-site handlers before the named configuration's; the
	// global handler, held by the coordinator, runs last.
	Catches []CatchFunc
	Metrics MetricsFunc
}

// Defaults returns the built-in layer.
func Defaults() Layer {
	return Layer{
		Fresh:         &FreshLayer{For: Dur(time.Second), Ignore: Bool(false)},
		Throttle:      &ThrottleLayer{Duration: Dur(time.Second), RemoveLockOnError: Bool(false), Ignore: Bool(false)},
		Debounce:      &DebounceLayer{Duration: Dur(333 * time.Millisecond)},
		NonReentrant:  &NonReentrantLayer{},
		Sequential:    &SequentialLayer{MaxQueueSize: Int(0), QueueTimeout: Dur(0), DropOldest: Bool(false)},
		Retry:         &RetryLayer{MaxRetries: Int(3), InitialDelay: Dur(350 * time.Millisecond), Multiplier: Float(2), MaxDelay: Dur(5 * time.Second)},
		CheckInternet: &ConnectivityLayer{MaxRetryDelay: Dur(time.Second)},
	}
}

// Resolve merges the layers. Any layer may be nil.
func Resolve(defaults, named, explicit *Layer) Resolved {
	if defaults == nil {
		d := Defaults()
		defaults = &d
	}
	if named == nil {
		named = &Layer{}
	}
	if explicit == nil {
		explicit = &Layer{}
	}

	var r Resolved
	r.DefaultKey = pick(explicit.DefaultKey, named.DefaultKey, defaults.DefaultKey, types.Key{})

	if fs := sections(defaults.Fresh, named.Fresh, explicit.Fresh); fs.enabled {
		r.Fresh = FreshConfig{
			Enabled: true,
			For:     resolveField(fs, func(l *FreshLayer) *time.Duration { return l.For }, 0),
			Ignore:  resolveField(fs, func(l *FreshLayer) *bool { return l.Ignore }, false),
			Key:     resolveField(fs, func(l *FreshLayer) *types.Key { return l.Key }, types.Key{}),
		}
	}

	if ts := sections(defaults.Throttle, named.Throttle, explicit.Throttle); ts.enabled {
		r.Throttle = ThrottleConfig{
			Enabled:           true,
			Duration:          resolveField(ts, func(l *ThrottleLayer) *time.Duration { return l.Duration }, 0),
			RemoveLockOnError: resolveField(ts, func(l *ThrottleLayer) *bool { return l.RemoveLockOnError }, false),
			Ignore:            resolveField(ts, func(l *ThrottleLayer) *bool { return l.Ignore }, false),
			Key:               resolveField(ts, func(l *ThrottleLayer) *types.Key { return l.Key }, types.Key{}),
		}
	}

	if ds := sections(defaults.Debounce, named.Debounce, explicit.Debounce); ds.enabled {
		r.Debounce = DebounceConfig{
			Enabled:  true,
			Duration: resolveField(ds, func(l *DebounceLayer) *time.Duration { return l.Duration }, 0),
			Key:      resolveField(ds, func(l *DebounceLayer) *types.Key { return l.Key }, types.Key{}),
		}
	}

	if ns := sections(defaults.NonReentrant, named.NonReentrant, explicit.NonReentrant); ns.enabled {
		r.NonReentrant = NonReentrantConfig{
			Enabled: true,
			Key:     resolveField(ns, func(l *NonReentrantLayer) *types.Key { return l.Key }, types.Key{}),
		}
	}

	if ss := sections(defaults.Sequential, named.Sequential, explicit.Sequential); ss.enabled {
		r.Sequential = SequentialConfig{
			Enabled:      true,
			MaxQueueSize: resolveField(ss, func(l *SequentialLayer) *int { return l.MaxQueueSize }, 0),
			QueueTimeout: resolveField(ss, func(l *SequentialLayer) *time.Duration { return l.QueueTimeout }, 0),
			DropOldest:   resolveField(ss, func(l *SequentialLayer) *bool { return l.DropOldest }, false),
			Key:          resolveField(ss, func(l *SequentialLayer) *types.Key { return l.Key }, types.Key{}),
		}
	}

	if rs := sections(defaults.Retry, named.Retry, explicit.Retry); rs.enabled {
		r.Retry = RetryConfig{
			Enabled:      true,
			MaxRetries:   resolveField(rs, func(l *RetryLayer) *int { return l.MaxRetries }, 0),
			InitialDelay: resolveField(rs, func(l *RetryLayer) *time.Duration { return l.InitialDelay }, 0),
			Multiplier:   resolveField(rs, func(l *RetryLayer) *float64 { return l.Multiplier }, 1),
			MaxDelay:     resolveField(rs, func(l *RetryLayer) *time.Duration { return l.MaxDelay }, 0),
			OnRetry:      firstOnRetry(rs.e, rs.n),
		}
	}

	if cs := sections(defaults.CheckInternet, named.CheckInternet, explicit.CheckInternet); cs.enabled {
		r.Connectivity = ConnectivityConfig{
			Enabled:       true,
			MaxRetryDelay: resolveField(cs, func(l *ConnectivityLayer) *time.Duration { return l.MaxRetryDelay }, 0),
			Check:         firstCheck(cs.e, cs.n),
		}
	}

	composeCallbacks(&r, named, explicit)
	return r
}

// ResolveExplicit resolves a call-site layer against the defaults only.
func ResolveExplicit(explicit Layer) Resolved {
	return Resolve(nil, nil, &explicit)
}

// ============================================================================
// helpers
// ============================================================================

type layered[S any] struct {
	d, n, e *S
	enabled bool
}

// sections collects one modifier's section from each layer. The default
// layer alone never enables a modifier.
func sections[S any](d, n, e *S) layered[S] {
	return layered[S]{d: d, n: n, e: e, enabled: n != nil || e != nil}
}

func field[S, T any](s *S, get func(*S) *T) *T {
	if s == nil {
		return nil
	}
	return get(s)
}

func resolveField[S, T any](l layered[S], get func(*S) *T, zero T) T {
	return pick(field(l.e, get), field(l.n, get), field(l.d, get), zero)
}

func pick[T any](explicit, named, def *T, zero T) T {
	switch {
	case explicit != nil:
		return *explicit
	case named != nil:
		return *named
	case def != nil:
		return *def
	default:
		return zero
	}
}

func firstOnRetry(layers ...*RetryLayer) func(int, time.Duration, error) {
	for _, l := range layers {
		if l != nil && l.OnRetry != nil {
			return l.OnRetry
		}
	}
	return nil
}

func firstCheck(layers ...*ConnectivityLayer) ConnectivityFunc {
	for _, l := range layers {
		if l != nil && l.Check != nil {
			return l.Check
		}
	}
	return nil
}

// Dur, Bool, Int, Float and KeyPtr build layer fields inline.
func Dur(d time.Duration) *time.Duration { return &d }
func Bool(b bool) *bool                  { return &b }
func Int(n int) *int                     { return &n }
func Float(f float64) *float64           { return &f }
func KeyPtr(k types.Key) *types.Key      { return &k }
