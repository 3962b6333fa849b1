package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/actionguard/internal/coordinator"
	"github.com/ChuLiYu/actionguard/internal/metrics"
	"github.com/ChuLiYu/actionguard/internal/modifier"
	"github.com/ChuLiYu/actionguard/internal/observe"
	"github.com/ChuLiYu/actionguard/internal/optimistic"
	"github.com/ChuLiYu/actionguard/internal/worker"
	"github.com/ChuLiYu/actionguard/pkg/types"
)

// Simulation modes
const (
	ModeDispatch = "dispatch"
	ModeSync     = "sync"
)

var errSimulated = errors.New("simulated failure")

// SimOptions 負載模擬參數
type SimOptions struct {
	Mode        string
	Workers     int
	Calls       int
	Keys        int
	Profile     *modifier.Layer // named layer，nil 表示只用呼叫端設定
	ActionTime  time.Duration
	FailureRate float64
	Seed        int64
	DeviceID    string

	Metrics  *metrics.Collector
	Observer observe.Observer
	Logger   *slog.Logger
}

// Summary 模擬結果
type Summary struct {
	Mode     string
	Calls    int
	ByStatus map[types.Status]int
	Errors   int
	Ran      int // 回傳 completed 或 failed 的呼叫數
	Keys     int // 實際被呼叫到的 key 數量
	Elapsed  time.Duration
	State    types.StateSnapshot

	// sync 模式：本地值與伺服器值一致的 key 數量
	Converged int
}

// RunSimulation 以 worker pool 對同一個 coordinator 發出 Calls 次 dispatch
func RunSimulation(ctx context.Context, opts SimOptions) (*Summary, error) {
	if opts.Calls <= 0 {
		return nil, fmt.Errorf("calls must be positive: %d", opts.Calls)
	}
	if opts.Keys <= 0 {
		opts.Keys = 1
	}
	if opts.Mode == "" {
		opts.Mode = ModeDispatch
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	coord := coordinator.New(coordinator.Options{Logger: opts.Logger, Metrics: opts.Metrics})
	if opts.Observer != nil {
		coord.SetObserver(opts.Observer)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	var tasks []worker.Task
	var converged func() int

	switch opts.Mode {
	case ModeDispatch:
		tasks = dispatchTasks(coord, opts, rng)
	case ModeSync:
		tasks, converged = syncTasks(coord, opts, rng)
	default:
		return nil, fmt.Errorf("unknown simulation mode %q", opts.Mode)
	}

	summary := &Summary{Mode: opts.Mode, Calls: len(tasks), ByStatus: map[types.Status]int{}}
	touched := map[types.Key]struct{}{}
	for _, task := range tasks {
		touched[task.Key] = struct{}{}
	}
	summary.Keys = len(touched)
	start := time.Now()

	pool := worker.NewPool(opts.Workers * 2)
	if err := pool.Start(opts.Workers); err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			r, err := pool.ReceiveResult()
			if err != nil {
				return
			}
			summary.ByStatus[r.Status]++
			if r.Err != nil {
				summary.Errors++
			}
		}
	}()

	var submitErr error
	for _, task := range tasks {
		if ctx.Err() != nil {
			submitErr = ctx.Err()
			break
		}
		if err := pool.Submit(task); err != nil {
			submitErr = fmt.Errorf("failed to submit %s: %w", task.ID, err)
			break
		}
	}
	pool.Stop()
	<-done

	summary.Elapsed = time.Since(start)
	summary.State = coord.Snapshot()
	summary.Ran = summary.ByStatus[types.StatusCompleted] + summary.ByStatus[types.StatusFailed]
	if converged != nil {
		summary.Converged = converged()
	}
	return summary, submitErr
}

func simKey(rng *rand.Rand, keys int) types.Key {
	return types.StringKey(fmt.Sprintf("key-%d", rng.Intn(keys)))
}

// work 模擬一次耗時的伺服器請求
func work(ctx context.Context, d time.Duration, fail bool) error {
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if fail {
		return errSimulated
	}
	return nil
}

func dispatchTasks(coord *coordinator.Coordinator, opts SimOptions, rng *rand.Rand) []worker.Task {
	cfg := modifier.Resolve(nil, opts.Profile, nil)
	tasks := make([]worker.Task, 0, opts.Calls)
	for i := 0; i < opts.Calls; i++ {
		key := simKey(rng, opts.Keys)
		fail := rng.Float64() < opts.FailureRate
		tasks = append(tasks, worker.Task{
			ID:  fmt.Sprintf("call-%d", i),
			Key: key,
			Run: func(ctx context.Context) (types.Status, error) {
				return coord.Dispatch(ctx, key, cfg, func(ctx context.Context) error {
					return work(ctx, opts.ActionTime, fail)
				})
			},
		})
	}
	return tasks
}

// fakeServer sync 模式的遠端儲存
type fakeServer struct {
	mu     sync.Mutex
	rng    *rand.Rand
	rate   float64
	delay  time.Duration
	values map[types.Key]int
}

func (s *fakeServer) put(ctx context.Context, key types.Key, v int) error {
	s.mu.Lock()
	fail := s.rng.Float64() < s.rate
	s.mu.Unlock()

	if err := work(ctx, s.delay, fail); err != nil {
		return err
	}
	s.mu.Lock()
	s.values[key] = v
	s.mu.Unlock()
	return nil
}

func syncTasks(coord *coordinator.Coordinator, opts SimOptions, rng *rand.Rand) ([]worker.Task, func() int) {
	engine := optimistic.NewEngine(coord, optimistic.Options{
		DeviceID: opts.DeviceID,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
	server := &fakeServer{
		rng:    rand.New(rand.NewSource(opts.Seed + 1)),
		rate:   opts.FailureRate,
		delay:  opts.ActionTime,
		values: map[types.Key]int{},
	}

	var mu sync.Mutex
	local := map[types.Key]int{}
	get := func(key types.Key) func() int {
		return func() int {
			mu.Lock()
			defer mu.Unlock()
			return local[key]
		}
	}
	set := func(key types.Key) func(int) {
		return func(v int) {
			mu.Lock()
			defer mu.Unlock()
			local[key] = v
		}
	}

	tasks := make([]worker.Task, 0, opts.Calls)
	for i := 0; i < opts.Calls; i++ {
		key := simKey(rng, opts.Keys)
		s := optimistic.Sync[int]{
			Key:       key,
			Value:     i + 1,
			Get:       get(key),
			Set:       set(key),
			Send:      func(ctx context.Context, v int) error { return server.put(ctx, key, v) },
			Named:     opts.Profile,
			Modifiers: modifier.Layer{},
		}
		tasks = append(tasks, worker.Task{
			ID:  fmt.Sprintf("sync-%d", i),
			Key: key,
			Run: func(ctx context.Context) (types.Status, error) { return s.Dispatch(ctx, engine) },
		})
	}

	converged := func() int {
		mu.Lock()
		defer mu.Unlock()
		server.mu.Lock()
		defer server.mu.Unlock()
		n := 0
		for k, v := range local {
			if sv, ok := server.values[k]; ok && sv == v {
				n++
			}
		}
		return n
	}
	return tasks, converged
}

// statusOrder 輸出時的固定順序
var statusOrder = []types.Status{
	types.StatusCompleted,
	types.StatusFailed,
	types.StatusFresh,
	types.StatusRejected,
	types.StatusSuperseded,
	types.StatusDropped,
	types.StatusCoalesced,
}

func printSummary(w io.Writer, s *Summary) {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Actionguard Simulation                          ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintf(w, "📋 Mode: %s, %d calls in %s\n", s.Mode, s.Calls, s.Elapsed.Round(time.Millisecond))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Outcomes:")
	for _, st := range statusOrder {
		if n := s.ByStatus[st]; n > 0 {
			fmt.Fprintf(w, "  ├─ %-11s %d\n", st, n)
		}
	}
	fmt.Fprintf(w, "  └─ errors      %d\n", s.Errors)
	fmt.Fprintln(w)

	if s.Mode == ModeSync {
		fmt.Fprintf(w, "🔄 Converged keys: %d/%d\n", s.Converged, s.Keys)
		fmt.Fprintln(w)
	}

	if len(s.State.Failed) > 0 {
		fmt.Fprintln(w, "❌ Failed keys:")
		for _, k := range sortedKeys(s.State.Failed) {
			fmt.Fprintf(w, "  └─ %s: %s\n", k, s.State.Failed[k])
		}
		fmt.Fprintln(w)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
