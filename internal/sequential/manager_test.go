package sequential

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/actionguard/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var testKey = types.StringKey("save")

// newTestManager creates a test Manager driven by a settable clock
func newTestManager() (*Manager, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewManager(func() time.Time { return now }), &now
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// mustAdmit admits a call and fails the test on rejection
func mustAdmit(t *testing.T, m *Manager, opts Options) *Ticket {
	t.Helper()
	ticket, err := m.Admit(testKey, opts)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	return ticket
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestAdmit_Transitions(t *testing.T) {
	m, _ := newTestManager()

	first := mustAdmit(t, m, Options{})
	if first.WasQueued || first.Index != 0 {
		t.Errorf("idle admit: got wasQueued=%v index=%d, want false 0", first.WasQueued, first.Index)
	}
	assertNoError(t, first.Wait(context.Background()))
	if !m.Running(testKey) {
		t.Error("key should be running")
	}

	second := mustAdmit(t, m, Options{})
	third := mustAdmit(t, m, Options{})
	if !second.WasQueued || second.Index != 0 {
		t.Errorf("second: got wasQueued=%v index=%d, want true 0", second.WasQueued, second.Index)
	}
	if !third.WasQueued || third.Index != 1 {
		t.Errorf("third: got wasQueued=%v index=%d, want true 1", third.WasQueued, third.Index)
	}
	if got := m.Stats()[testKey]; got != 2 {
		t.Errorf("queued: got %d, want 2", got)
	}

	first.Done()
	assertNoError(t, second.Wait(context.Background()))
	second.Done()
	assertNoError(t, third.Wait(context.Background()))
	third.Done()

	if m.Running(testKey) {
		t.Error("key should be idle")
	}
	if len(m.Stats()) != 0 {
		t.Error("idle lanes should be removed")
	}
}

func TestAdmit_QueueFull(t *testing.T) {
	tests := []struct {
		name       string
		dropOldest bool
	}{
		{name: "reject incoming", dropOldest: false},
		{name: "evict oldest", dropOldest: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager()
			var evicted []*Ticket
			m.OnEvict(func(tk *Ticket) { evicted = append(evicted, tk) })
			opts := Options{MaxQueueSize: 1, DropOldest: tt.dropOldest}

			running := mustAdmit(t, m, opts)
			queued := mustAdmit(t, m, opts)
			incoming, err := m.Admit(testKey, opts)

			if !tt.dropOldest {
				assertError(t, err, ErrQueueFull)
				if len(evicted) != 0 {
					t.Error("no eviction expected")
				}
				running.Done()
				assertNoError(t, queued.Wait(context.Background()))
				return
			}

			assertNoError(t, err)
			assertError(t, queued.Wait(context.Background()), ErrEvicted)
			if len(evicted) != 1 || evicted[0] != queued {
				t.Errorf("evict hook: got %v", evicted)
			}
			running.Done()
			assertNoError(t, incoming.Wait(context.Background()))
		})
	}
}

func TestDone_SkipsTimedOut(t *testing.T) {
	m, now := newTestManager()
	opts := Options{QueueTimeout: time.Second}

	running := mustAdmit(t, m, opts)
	stale := mustAdmit(t, m, opts)
	*now = now.Add(800 * time.Millisecond)
	fresh := mustAdmit(t, m, opts)

	*now = now.Add(500 * time.Millisecond)
	running.Done()

	assertError(t, stale.Wait(context.Background()), ErrQueueTimeout)
	assertNoError(t, fresh.Wait(context.Background()))
}

func TestWait_ContextCanceledWhileQueued(t *testing.T) {
	m, _ := newTestManager()
	running := mustAdmit(t, m, Options{})
	queued := mustAdmit(t, m, Options{})
	after := mustAdmit(t, m, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assertError(t, queued.Wait(ctx), context.Canceled)

	running.Done()
	assertNoError(t, after.Wait(context.Background()))
	if after.Index != 1 {
		t.Errorf("index is fixed at admission: got %d, want 1", after.Index)
	}
}

func TestFIFOOrderAndExclusion(t *testing.T) {
	m := NewManager(nil)
	const calls = 20

	var mu sync.Mutex
	var order []int
	running := 0
	maxRunning := 0

	tickets := make([]*Ticket, calls)
	for i := range tickets {
		tickets[i] = mustAdmit(t, m, Options{})
	}

	var wg sync.WaitGroup
	for i := calls - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk := tickets[i]
			if err := tk.Wait(context.Background()); err != nil {
				t.Errorf("wait %d: %v", i, err)
				return
			}
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			order = append(order, i)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
			tk.Done()
		}(i)
	}
	wg.Wait()

	if maxRunning != 1 {
		t.Errorf("max concurrent: got %d, want 1", maxRunning)
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("order: got %v", order)
		}
	}
}

func TestReset(t *testing.T) {
	m, _ := newTestManager()
	running := mustAdmit(t, m, Options{})
	queued := mustAdmit(t, m, Options{})

	m.Reset()
	assertError(t, queued.Wait(context.Background()), ErrEvicted)

	// 新的 lane 不受舊的 Done 影響
	fresh := mustAdmit(t, m, Options{})
	waiting := mustAdmit(t, m, Options{})
	running.Done()
	if got := m.Stats()[testKey]; got != 1 {
		t.Errorf("stale Done advanced the new lane: queued=%d", got)
	}
	fresh.Done()
	assertNoError(t, waiting.Wait(context.Background()))
}

func TestPositionContext(t *testing.T) {
	if _, ok := PositionFromContext(context.Background()); ok {
		t.Error("no position expected")
	}
	ctx := WithPosition(context.Background(), &Ticket{WasQueued: true, Index: 3})
	p, ok := PositionFromContext(ctx)
	if !ok || !p.WasQueued || p.Index != 3 {
		t.Errorf("position: got %+v %v", p, ok)
	}
}
