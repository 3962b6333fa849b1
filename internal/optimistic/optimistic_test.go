package optimistic

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/actionguard/internal/coordinator"
	"github.com/ChuLiYu/actionguard/internal/modifier"
	"github.com/ChuLiYu/actionguard/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var (
	likeKey = types.TupleKey(types.StringKey("like"), types.IntKey(42))
	errBoom = errors.New("boom")
)

// box is a tiny state container
type box[V any] struct {
	mu sync.Mutex
	v  V
}

func (b *box[V]) Get() V {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}

func (b *box[V]) Set(v V) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.v = v
}

func newEngine(t *testing.T) (*Engine, *coordinator.Coordinator) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := coordinator.New(coordinator.Options{Logger: logger})
	return NewEngine(coord, Options{DeviceID: "device-a", Logger: logger}), coord
}

// recorder records sent values; the first send blocks until release is closed
type recorder[V any] struct {
	mu      sync.Mutex
	sent    []V
	started chan struct{}
	release chan struct{}
}

func newRecorder[V any]() *recorder[V] {
	return &recorder[V]{started: make(chan struct{}), release: make(chan struct{})}
}

func (r *recorder[V]) record(v V) int {
	r.mu.Lock()
	r.sent = append(r.sent, v)
	n := len(r.sent)
	r.mu.Unlock()
	if n == 1 {
		close(r.started)
		<-r.release
	}
	return n
}

func (r *recorder[V]) Sent() []V {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]V(nil), r.sent...)
}

// ============================================================================
// Command
// ============================================================================

func TestCommand_Success(t *testing.T) {
	e, _ := newEngine(t)
	state := &box[bool]{}
	var response string
	reloaded := false

	status, err := Command[bool, string]{
		Key:   likeKey,
		Value: true,
		Get:   state.Get,
		Set:   state.Set,
		Send: func(_ context.Context, v bool) (string, error) {
			assert.True(t, state.Get(), "optimistic value applied before send")
			return "liked", nil
		},
		ApplyResponse: func(r string) { response = r },
		Reload:        func(context.Context) error { reloaded = true; return nil },
	}.Dispatch(context.Background(), e)

	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, status)
	assert.True(t, state.Get())
	assert.Equal(t, "liked", response)
	assert.False(t, reloaded, "reload runs only on failure by default")
}

func TestCommand_Rollback(t *testing.T) {
	tests := []struct {
		name      string
		interfere bool
		want      int
	}{
		{name: "rolls back to initial", interfere: false, want: 1},
		{name: "keeps a newer unrelated change", interfere: true, want: 99},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEngine(t)
			state := &box[int]{v: 1}
			reloads := 0

			_, err := Command[int, struct{}]{
				Key:   likeKey,
				Value: 2,
				Get:   state.Get,
				Set:   state.Set,
				Send: func(context.Context, int) (struct{}, error) {
					if tt.interfere {
						state.Set(99)
					}
					return struct{}{}, errBoom
				},
				Reload: func(context.Context) error { reloads++; return nil },
			}.Dispatch(context.Background(), e)

			assert.ErrorIs(t, err, errBoom)
			assert.Equal(t, tt.want, state.Get())
			assert.Equal(t, 1, reloads)
		})
	}
}

func TestCommand_CustomRollbackAndReload(t *testing.T) {
	e, _ := newEngine(t)
	state := &box[int]{v: 10}

	_, err := Command[int, struct{}]{
		Key:            likeKey,
		Value:          11,
		Get:            state.Get,
		Set:            state.Set,
		Send:           func(context.Context, int) (struct{}, error) { return struct{}{}, errBoom },
		ShouldRollback: func(current, initial, optimistic int, err error) bool { return true },
		RollbackValue:  func(initial, optimistic int, err error) int { return -1 },
		ShouldReload:   func(current, initial, optimistic int, err error) bool { return false },
		Reload:         func(context.Context) error { t.Error("reload must not run"); return nil },
	}.Dispatch(context.Background(), e)

	assert.Error(t, err)
	assert.Equal(t, -1, state.Get())
}

func TestCommand_NonReentrant(t *testing.T) {
	e, coord := newEngine(t)
	state := &box[int]{}
	rec := newRecorder[int]()

	send := func(_ context.Context, v int) (struct{}, error) {
		rec.record(v)
		return struct{}{}, nil
	}

	done := make(chan types.Status)
	go func() {
		s, _ := Command[int, struct{}]{Key: likeKey, Value: 1, Get: state.Get, Set: state.Set, Send: send}.
			Dispatch(context.Background(), e)
		done <- s
	}()
	<-rec.started
	assert.True(t, coord.IsBusy(likeKey))

	// same key
	status, err := Command[int, struct{}]{Key: likeKey, Value: 2, Get: state.Get, Set: state.Set, Send: send}.
		Dispatch(context.Background(), e)
	assert.NoError(t, err)
	assert.Equal(t, types.StatusRejected, status)
	assert.Equal(t, 1, state.Get(), "a rejected command never applies its value")

	// different key sharing the exclusion key
	other := types.TupleKey(types.StringKey("like"), types.IntKey(7))
	status, _ = Command[int, struct{}]{
		Key: other, NonReentrantKey: likeKey, Value: 3, Get: state.Get, Set: state.Set, Send: send,
	}.Dispatch(context.Background(), e)
	assert.Equal(t, types.StatusRejected, status)

	close(rec.release)
	assert.Equal(t, types.StatusCompleted, <-done)
	assert.Equal(t, []int{1}, rec.Sent())
}

func TestCommand_Reentrant(t *testing.T) {
	e, _ := newEngine(t)
	state := &box[int]{}
	rec := newRecorder[int]()

	send := func(_ context.Context, v int) (struct{}, error) {
		rec.record(v)
		return struct{}{}, nil
	}

	done := make(chan types.Status)
	go func() {
		s, _ := Command[int, struct{}]{Key: likeKey, Value: 1, Get: state.Get, Set: state.Set, Send: send, Reentrant: true}.
			Dispatch(context.Background(), e)
		done <- s
	}()
	<-rec.started

	status, err := Command[int, struct{}]{Key: likeKey, Value: 2, Get: state.Get, Set: state.Set, Send: send, Reentrant: true}.
		Dispatch(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, status)

	close(rec.release)
	assert.Equal(t, types.StatusCompleted, <-done)
	assert.ElementsMatch(t, []int{1, 2}, rec.Sent())
}

// ============================================================================
// Sync
// ============================================================================

func TestSync_Coalescing(t *testing.T) {
	tests := []struct {
		name      string
		first     bool
		toggles   []bool
		wantSends []bool
	}{
		{name: "net change sends one follow-up", first: false, toggles: []bool{true, false, true}, wantSends: []bool{false, true}},
		{name: "net return sends nothing more", first: true, toggles: []bool{false, true}, wantSends: []bool{true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEngine(t)
			state := &box[bool]{}
			rec := newRecorder[bool]()
			var finished []error

			call := func(v bool) Sync[bool] {
				return Sync[bool]{
					Key: likeKey, Value: v, Get: state.Get, Set: state.Set,
					Send: func(_ context.Context, v bool) error { rec.record(v); return nil },
					OnFinish: func(err error) {
						assert.False(t, e.Locked(likeKey), "lock released before OnFinish")
						finished = append(finished, err)
					},
				}
			}

			done := make(chan types.Status)
			go func() {
				s, _ := call(tt.first).Dispatch(context.Background(), e)
				done <- s
			}()
			<-rec.started

			for _, v := range tt.toggles {
				status, err := call(v).Dispatch(context.Background(), e)
				require.NoError(t, err)
				assert.Equal(t, types.StatusCoalesced, status)
				assert.Equal(t, v, state.Get(), "every call applies its value at once")
			}

			close(rec.release)
			assert.Equal(t, types.StatusCompleted, <-done)
			assert.Equal(t, tt.wantSends, rec.Sent())
			assert.Equal(t, []error{nil}, finished, "only the lock holder finishes")
			assert.False(t, e.Locked(likeKey))
		})
	}
}

func TestSync_SkippedHolderWarns(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	coord := coordinator.New(coordinator.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	e := NewEngine(coord, Options{Logger: logger})
	state := &box[int]{}
	var sent []int

	call := func(v int) Sync[int] {
		return Sync[int]{
			Key: likeKey, Value: v, Get: state.Get, Set: state.Set,
			Send:  func(_ context.Context, v int) error { sent = append(sent, v); return nil },
			Named: &modifier.Layer{Throttle: &modifier.ThrottleLayer{}},
		}
	}

	status, err := call(1).Dispatch(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, status)
	assert.Empty(t, logs.String())

	status, err = call(2).Dispatch(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, status)
	assert.Equal(t, 2, state.Get(), "the value is still applied locally")
	assert.Equal(t, []int{1}, sent)
	assert.False(t, e.Locked(likeKey))
	assert.Contains(t, logs.String(), "sync value applied locally but not sent")
}

func TestSync_FailureReleasesLock(t *testing.T) {
	e, coord := newEngine(t)
	state := &box[int]{}
	var finished error

	_, err := Sync[int]{
		Key: likeKey, Value: 5, Get: state.Get, Set: state.Set,
		Send:     func(context.Context, int) error { return errBoom },
		OnFinish: func(err error) { finished = err },
	}.Dispatch(context.Background(), e)

	assert.ErrorIs(t, err, errBoom)
	assert.ErrorIs(t, finished, errBoom)
	assert.False(t, e.Locked(likeKey))
	assert.Equal(t, 5, state.Get(), "sync keeps the local value on failure")
	assert.ErrorIs(t, coord.Failure(likeKey), errBoom)
}

// ============================================================================
// SyncWithPush
// ============================================================================

func pushSync(e *Engine, state *box[bool], rec *recorder[bool], serverRev *int64, v bool) SyncWithPush[bool] {
	return SyncWithPush[bool]{
		Key: likeKey, Value: v, Get: state.Get, Set: state.Set,
		Send: func(_ context.Context, v bool, localRev int64, device string, inform func(int64)) error {
			rec.record(v)
			*serverRev++
			inform(*serverRev)
			return nil
		},
	}
}

func TestSyncWithPush_FollowUpWithoutPush(t *testing.T) {
	e, _ := newEngine(t)
	state := &box[bool]{}
	rec := newRecorder[bool]()
	var serverRev int64

	done := make(chan error)
	go func() {
		_, err := pushSync(e, state, rec, &serverRev, true).Dispatch(context.Background(), e)
		done <- err
	}()
	<-rec.started

	status, _ := pushSync(e, state, rec, &serverRev, false).Dispatch(context.Background(), e)
	assert.Equal(t, types.StatusCoalesced, status)

	close(rec.release)
	require.NoError(t, <-done)
	assert.Equal(t, []bool{true, false}, rec.Sent())

	server, local := e.Revision(likeKey)
	assert.Equal(t, int64(2), server)
	assert.Equal(t, int64(2), local)
}

func TestSyncWithPush_PushSuppressesFollowUp(t *testing.T) {
	e, _ := newEngine(t)
	state := &box[bool]{}
	rec := newRecorder[bool]()
	serverRev := int64(0)

	done := make(chan error)
	go func() {
		_, err := pushSync(e, state, rec, &serverRev, true).Dispatch(context.Background(), e)
		done <- err
	}()
	<-rec.started

	s := pushSync(e, state, rec, &serverRev, false)
	_, _ = s.Dispatch(context.Background(), e)

	// another device wrote a newer value while our request is in flight
	result := s.Push(e, PushMetadata{ServerRevision: 10, LocalRevision: 1, DeviceID: "device-b"}, true)
	assert.Equal(t, PushApplied, result)
	assert.True(t, state.Get())

	close(rec.release)
	require.NoError(t, <-done)
	assert.Equal(t, []bool{true}, rec.Sent(), "the push already reconciled the value")
	assert.True(t, state.Get())
}

func TestSyncWithPush_PushDuringRequest(t *testing.T) {
	tests := []struct {
		name      string
		pushRev   int64
		editAfter bool
		wantState string
		wantSent  []string
		wantEcho  PushResult
	}{
		{name: "older push is replaced by our newer write", pushRev: 5, wantState: "a", wantSent: []string{"a"}, wantEcho: PushStale},
		{name: "newer push wins over our write", pushRev: 7, wantState: "b", wantSent: []string{"a"}, wantEcho: PushStale},
		{name: "local edit after the push is sent as follow-up", pushRev: 5, editAfter: true, wantState: "c", wantSent: []string{"a", "c"}, wantEcho: PushStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEngine(t)
			state := &box[string]{}
			var sent []string
			serverRev := int64(5)

			var syncer SyncWithPush[string]
			syncer = SyncWithPush[string]{
				Key: likeKey, Value: "a", Get: state.Get, Set: state.Set,
				Send: func(_ context.Context, v string, localRev int64, device string, inform func(int64)) error {
					sent = append(sent, v)
					if len(sent) == 1 {
						// another device's write reaches us before our response
						assert.Equal(t, PushApplied, syncer.Push(e, PushMetadata{ServerRevision: tt.pushRev, LocalRevision: 3, DeviceID: "device-b"}, "b"))
						if tt.editAfter {
							edit := syncer
							edit.Value = "c"
							status, err := edit.Dispatch(context.Background(), e)
							require.NoError(t, err)
							require.Equal(t, types.StatusCoalesced, status)
						}
					}
					serverRev++
					inform(serverRev)
					return nil
				},
			}

			status, err := syncer.Dispatch(context.Background(), e)
			require.NoError(t, err)
			assert.Equal(t, types.StatusCompleted, status)
			assert.Equal(t, tt.wantSent, sent)

			// the server echoes our first write back
			echo := syncer.Push(e, PushMetadata{ServerRevision: 6, LocalRevision: 1, DeviceID: e.DeviceID()}, "a")
			assert.Equal(t, tt.wantEcho, echo)
			assert.Equal(t, tt.wantState, state.Get())
		})
	}
}

func TestSyncWithPush_MissingRevisionIsProtocolError(t *testing.T) {
	e, _ := newEngine(t)
	state := &box[int]{}
	var finished error

	status, err := SyncWithPush[int]{
		Key: likeKey, Value: 1, Get: state.Get, Set: state.Set,
		Send:     func(context.Context, int, int64, string, func(int64)) error { return nil },
		OnFinish: func(err error) { finished = err },
		Modifiers: modifier.Layer{
			Retry: &modifier.RetryLayer{},
		},
	}.Dispatch(context.Background(), e)

	assert.Equal(t, types.StatusFailed, status)
	assert.True(t, types.IsProtocolError(err))
	assert.True(t, types.IsProtocolError(finished))
	assert.False(t, e.Locked(likeKey))
}

func TestServerPush(t *testing.T) {
	e, coord := newEngine(t)
	state := &box[string]{}

	assert.Equal(t, PushApplied, ServerPush(e, likeKey, PushMetadata{ServerRevision: 5, DeviceID: "device-b"}, "b5", state.Set))
	assert.Equal(t, PushStale, ServerPush(e, likeKey, PushMetadata{ServerRevision: 5, DeviceID: "device-c"}, "c5", state.Set))
	assert.Equal(t, PushStale, ServerPush(e, likeKey, PushMetadata{ServerRevision: 3, DeviceID: "device-c"}, "c3", state.Set))
	assert.Equal(t, "b5", state.Get())

	// two local changes pending; the echo of the first must not clobber the second
	for _, v := range []string{"a1", "a2"} {
		e.mu.Lock()
		e.revisionLocked(likeKey).local++
		e.mu.Unlock()
		state.Set(v)
	}
	result := ServerPush(e, likeKey, PushMetadata{ServerRevision: 6, LocalRevision: 1, DeviceID: e.DeviceID()}, "a1", state.Set)
	assert.Equal(t, PushKeptLocal, result)
	assert.Equal(t, "a2", state.Get())

	server, local := e.Revision(likeKey)
	assert.Equal(t, int64(6), server)
	assert.Equal(t, int64(2), local)

	coord.ResetUserScope()
	server, local = e.Revision(likeKey)
	assert.Zero(t, server)
	assert.Zero(t, local)
}

func TestEngine_DeviceID(t *testing.T) {
	coord := coordinator.New(coordinator.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	a := NewEngine(coord, Options{})
	b := NewEngine(coord, Options{})
	assert.NotEmpty(t, a.DeviceID())
	assert.NotEqual(t, a.DeviceID(), b.DeviceID())
}
