// ============================================================================
// Actionguard 序列佇列 - per-key FIFO 狀態機
// ============================================================================
//
// Package: internal/sequential
// 文件: manager.go
// 功能: 同一個 key 的呼叫一次只執行一個，其餘依序排隊
//
// 狀態轉換 (每個 key):
//   Idle (閒置)
//      ↓ Admit()：立即執行 (WasQueued=false, Index=0)
//   Running (執行中)
//      ↓ Admit()：佇列未滿 → 加入佇列尾端 (WasQueued=true, Index=加入前佇列長度)
//      ↓ Admit()：佇列已滿 → DropOldest=false 拒絕新呼叫
//                          → DropOldest=true 逐出最舊的等待項目，再加入新呼叫
//   Queued(n) (n 個等待中)
//      ↓ Done()：依序取出下一個，跳過已超過 QueueTimeout 的項目
//   佇列清空 → Idle
//
// 數據結構設計:
//   lanes map[Key]*lane - 每個 key 一條通道
//   ├─ running bool     - 是否有項目在執行
//   └─ queue []*Ticket  - 等待中的項目，保證 FIFO
//
// 並發安全:
//   - 使用 sync.Mutex 保護所有 lane
//   - 等待中的呼叫只阻塞自己的 goroutine（透過 Ticket.ready channel）
//
// ============================================================================

package sequential

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/actionguard/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 佇列已滿，新呼叫被拒絕
	ErrQueueFull = errors.New("sequential queue is full")
	// 等待中的項目被較新的呼叫逐出
	ErrEvicted = errors.New("evicted from sequential queue")
	// 等待時間超過 QueueTimeout
	ErrQueueTimeout = errors.New("sequential queue timeout")
)

// Options 一次 Admit 的佇列設定
type Options struct {
	MaxQueueSize int           // 最大等待數量，0 表示不限
	QueueTimeout time.Duration // 從加入佇列開始計算的逾時，0 表示不逾時
	DropOldest   bool          // 佇列已滿時逐出最舊的等待項目
}

// Ticket 代表一個被接受的呼叫
type Ticket struct {
	Key        types.Key
	WasQueued  bool      // 是否曾經排隊
	Index      int       // 加入時前面等待的數量
	EnqueuedAt time.Time // 加入時間
	Deadline   time.Time // 排隊截止時間，零值表示不逾時

	ready chan error // nil 表示輪到執行，否則為被丟棄的原因
	mgr   *Manager
	lane  *lane
}

type lane struct {
	running bool
	queue   []*Ticket
}

// Manager 管理所有 key 的序列佇列
type Manager struct {
	mu      sync.Mutex
	now     func() time.Time
	lanes   map[types.Key]*lane
	onEvict func(*Ticket) // 逐出事件的唯一出口
}

// NewManager 建立新的序列佇列管理器
func NewManager(now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		now:   now,
		lanes: make(map[types.Key]*lane),
	}
}

// OnEvict 設定逐出時的回呼（預設不做任何事）
func (m *Manager) OnEvict(fn func(*Ticket)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = fn
}

// Admit 嘗試讓呼叫進入 key 的佇列
//
// 返回值：
//   - *Ticket: 被接受的項目，呼叫端必須 Wait 然後 Done
//   - error: ErrQueueFull 表示被拒絕
//
// 併發安全：使用互斥鎖保護
func (m *Manager) Admit(key types.Key, opts Options) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	t := &Ticket{Key: key, EnqueuedAt: now, ready: make(chan error, 1), mgr: m}

	l, ok := m.lanes[key]
	if !ok {
		l = &lane{}
		m.lanes[key] = l
	}
	t.lane = l

	// Idle → Running
	if !l.running {
		l.running = true
		t.ready <- nil
		return t, nil
	}

	// Running → 排隊
	if opts.MaxQueueSize > 0 && len(l.queue) >= opts.MaxQueueSize {
		if !opts.DropOldest {
			return nil, ErrQueueFull
		}
		oldest := l.queue[0]
		l.queue = l.queue[1:]
		m.evictLocked(oldest)
	}

	t.WasQueued = true
	t.Index = len(l.queue)
	if opts.QueueTimeout > 0 {
		t.Deadline = now.Add(opts.QueueTimeout)
	}
	l.queue = append(l.queue, t)
	return t, nil
}

func (m *Manager) evictLocked(t *Ticket) {
	if m.onEvict != nil {
		m.onEvict(t)
	}
	t.ready <- ErrEvicted
}

// Wait 阻塞直到輪到此項目執行
//
// 返回值：
//   - error: nil 表示可以執行；ErrEvicted / ErrQueueTimeout 表示被丟棄；
//     ctx 結束時回傳 ctx.Err() 並將項目移出佇列
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case err := <-t.ready:
		return err
	case <-ctx.Done():
		if t.mgr.withdraw(t) {
			return ctx.Err()
		}
		// 同時被喚醒：若已輪到執行，必須交還執行權
		if err := <-t.ready; err != nil {
			return err
		}
		t.Done()
		return ctx.Err()
	}
}

// withdraw 把仍在等待的項目移出佇列
func (m *Manager) withdraw(t *Ticket) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := t.lane
	for i, q := range l.queue {
		if q == t {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Done 標記執行中的項目結束，並喚醒下一個合格的項目
//
// 狀態轉換：
//   - 佇列非空：取出下一個未逾時的項目 → Running
//   - 佇列為空：→ Idle
func (t *Ticket) Done() {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()

	// Reset 之後的舊 lane 不再推進
	l := t.lane
	if m.lanes[t.Key] != l {
		return
	}

	now := m.now()
	for len(l.queue) > 0 {
		next := l.queue[0]
		l.queue = l.queue[1:]
		if !next.Deadline.IsZero() && now.After(next.Deadline) {
			next.ready <- ErrQueueTimeout
			continue
		}
		next.ready <- nil
		return
	}

	l.running = false
	delete(m.lanes, t.Key)
}

// Stats 取得每個 key 的等待數量
//
// 併發安全：使用互斥鎖保護
func (m *Manager) Stats() map[types.Key]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.Key]int, len(m.lanes))
	for k, l := range m.lanes {
		out[k] = len(l.queue)
	}
	return out
}

// Running 檢查 key 是否有項目在執行
func (m *Manager) Running(key types.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lanes[key]
	return ok && l.running
}

// Reset 清空所有佇列，所有等待中的項目以 ErrEvicted 被丟棄
// 執行中的項目不受影響，它們之後的 Done 會直接返回
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lanes {
		for _, q := range l.queue {
			q.ready <- ErrEvicted
		}
	}
	m.lanes = make(map[types.Key]*lane)
}

// ============================================================================
// context 傳遞
// ============================================================================

type positionKey struct{}

// Position 執行中 action 在序列佇列中的位置
type Position struct {
	WasQueued bool
	Index     int
}

// WithPosition 把 ticket 的位置放進 context
func WithPosition(ctx context.Context, t *Ticket) context.Context {
	return context.WithValue(ctx, positionKey{}, Position{WasQueued: t.WasQueued, Index: t.Index})
}

// PositionFromContext 取出序列佇列位置；非序列 dispatch 回傳 false
func PositionFromContext(ctx context.Context) (Position, bool) {
	p, ok := ctx.Value(positionKey{}).(Position)
	return p, ok
}
