// ============================================================================
// Actionguard 協調器 - dispatch pipeline 核心
// ============================================================================
//
// Package: internal/coordinator
// 文件: coordinator.go
// 功能: 把所有 per-key 狀態集中在一個明確建立的物件中，依固定順序套用
//       guard、執行 action、處理錯誤
//
// 架構設計:
//   Coordinator 擁有以下組件（每個 Coordinator 各自一份，沒有全域單例）：
//   - guard.Freshness     : freshness 快取（provisional 寫入 + rollback）
//   - guard.NonReentrant  : per-key 執行中旗標
//   - guard.Throttle      : per-key 節流鎖
//   - guard.Debouncer     : per-key 延遲計時器
//   - sequential.Manager  : per-key FIFO 佇列
//   - retry.Controller    : 指數退避重試
//   - WaitingSet / FailureMap : 給 UI 協作者的 busy / failed 訊號
//
// Dispatch 流程 (固定順序):
//   1. freshness      → 仍然新鮮則跳過 (StatusFresh)
//   2. non-reentrant  → 執行中則丟棄 (StatusRejected)
//   3. throttle       → 鎖未過期則丟棄 (StatusRejected)
//   4. WaitingSet 進入，清除 FailureMap
//   5. debounce       → 被後續呼叫取代 (StatusSuperseded)
//   6. sequential     → 佇列已滿 / 逐出 / 逾時 (StatusDropped)
//   7. observer start → before → retry(wrapRun(action)) → after → observer end
//   8. 失敗處理: throttle 解鎖、freshness rollback、攔截鏈、FailureMap
//
// 並發安全:
//   - 每個 guard 自己的操作是原子的（讀-檢查-寫在同一把鎖內）
//   - WaitingSet / FailureMap / 訂閱者 / 全域 handler 由 c.mu 保護
//   - 等待只發生在 debounce、sequential、retry 退避，只阻塞呼叫端的 goroutine
//
// ============================================================================

package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/actionguard/internal/guard"
	"github.com/ChuLiYu/actionguard/internal/metrics"
	"github.com/ChuLiYu/actionguard/internal/modifier"
	"github.com/ChuLiYu/actionguard/internal/observe"
	"github.com/ChuLiYu/actionguard/internal/oneshot"
	"github.com/ChuLiYu/actionguard/internal/retry"
	"github.com/ChuLiYu/actionguard/internal/sequential"
	"github.com/ChuLiYu/actionguard/pkg/types"
)

// SnapshotSchemaVersion 快照資料結構版本
const SnapshotSchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// Options Coordinator 配置
type Options struct {
	Logger  *slog.Logger       // nil 時使用 slog.Default()
	Metrics *metrics.Collector // nil 時不記錄指標
	Now     func() time.Time   // nil 時使用 time.Now
	Retry   *retry.Controller  // nil 時使用真實計時器
	OnEvict func(key types.Key) // sequential 佇列逐出時呼叫，預設不做任何事
}

// Resetter 由掛在 Coordinator 上的引擎實作，隨 ResetAll / ResetUserScope 一起清空
type Resetter interface {
	Reset()
}

// Change 當 WaitingSet 或 FailureMap 變動時送給訂閱者
type Change struct {
	Key    types.Key
	Busy   bool
	Err    error
	Notice *oneshot.Event[*types.UserError] // 只在產生新的 user-facing 錯誤時非 nil
}

// Coordinator dispatch pipeline 與所有 per-key 狀態
type Coordinator struct {
	log     *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
	onEvict func(types.Key)

	fresh        *guard.Freshness
	nonReentrant *guard.NonReentrant
	throttle     *guard.Throttle
	debounce     *guard.Debouncer
	queues       *sequential.Manager
	retry        *retry.Controller

	mu          sync.Mutex
	waiting     map[types.Key]int // reference count
	failures    map[types.Key]error
	epoch       uint64 // ResetAll / ResetUserScope 之後遞增
	subs        map[int]chan Change
	nextSub     int
	globalCatch modifier.CatchFunc
	observer    observe.Observer
	attached    []Resetter

	dispatchSeq atomic.Uint64
}

// ============================================================================
// 建立
// ============================================================================

// New 建立新的 Coordinator 實例
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry == nil {
		opts.Retry = retry.New()
	}

	c := &Coordinator{
		log:          opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
		onEvict:      opts.OnEvict,
		fresh:        guard.NewFreshness(opts.Now),
		nonReentrant: guard.NewNonReentrant(),
		throttle:     guard.NewThrottle(opts.Now),
		debounce:     guard.NewDebouncer(),
		queues:       sequential.NewManager(opts.Now),
		retry:        opts.Retry,
		waiting:      make(map[types.Key]int),
		failures:     make(map[types.Key]error),
		subs:         make(map[int]chan Change),
	}
	// 逐出事件的唯一出口
	c.queues.OnEvict(c.evicted)
	return c
}

func (c *Coordinator) evicted(t *sequential.Ticket) {
	c.metrics.RecordEviction()
	c.log.Debug("queued call evicted", "key", t.Key, "index", t.Index)
	if c.onEvict != nil {
		c.onEvict(t.Key)
	}
}

// ============================================================================
// Dispatch
// ============================================================================

// Dispatch 依 cfg 執行 action
//
// 參數：
//   - key: action 的 key，零值時使用 cfg.DefaultKey
//   - cfg: 已解析的 modifier 設定
//   - action: 要執行的工作
//
// 返回值：
//   - types.Status: 最終結果
//   - error: 通過攔截鏈後仍存活的錯誤，或 ProtocolError；guard 拒絕永遠是 nil
func (c *Coordinator) Dispatch(ctx context.Context, key types.Key, cfg modifier.Resolved, action modifier.Action) (types.Status, error) {
	key = key.Or(cfg.DefaultKey)
	if key.IsZero() {
		return types.StatusRejected, types.ErrMissingKey
	}

	status, err := c.dispatch(ctx, key, cfg, action)
	c.metrics.RecordDispatch(string(status))
	return status, err
}

func (c *Coordinator) dispatch(ctx context.Context, key types.Key, cfg modifier.Resolved, action modifier.Action) (types.Status, error) {
	// 1. freshness：非新鮮時寫入 provisional 到期時間
	var ft *guard.FreshTicket
	if cfg.Fresh.Enabled {
		ft = c.fresh.Begin(cfg.Fresh.Key.Or(key), cfg.Fresh.For, cfg.Fresh.Ignore)
		if ft == nil {
			c.log.Debug("skipped: fresh", "key", key)
			return types.StatusFresh, nil
		}
	}

	// 2. non-reentrant
	if cfg.NonReentrant.Enabled {
		nk := cfg.NonReentrant.Key.Or(key)
		if !c.nonReentrant.TryEnter(nk) {
			c.fresh.Rollback(ft)
			c.log.Debug("rejected: non-reentrant", "key", key)
			return types.StatusRejected, nil
		}
		defer c.nonReentrant.Leave(nk)
	}

	// 3. throttle
	tk := cfg.Throttle.Key.Or(key)
	if cfg.Throttle.Enabled && !c.throttle.TryAcquire(tk, cfg.Throttle.Duration, cfg.Throttle.Ignore) {
		c.fresh.Rollback(ft)
		c.log.Debug("rejected: throttled", "key", key)
		return types.StatusRejected, nil
	}

	// 4. WaitingSet
	epoch := c.enter(key)
	defer c.leave(key, epoch)

	// 5. debounce
	if cfg.Debounce.Enabled && !c.debounce.Wait(ctx, cfg.Debounce.Key.Or(key), cfg.Debounce.Duration) {
		c.fresh.Rollback(ft)
		c.log.Debug("superseded: debounced", "key", key)
		return types.StatusSuperseded, nil
	}

	// 6. sequential
	if cfg.Sequential.Enabled {
		ticket, err := c.queues.Admit(cfg.Sequential.Key.Or(key), sequential.Options{
			MaxQueueSize: cfg.Sequential.MaxQueueSize,
			QueueTimeout: cfg.Sequential.QueueTimeout,
			DropOldest:   cfg.Sequential.DropOldest,
		})
		if err == nil {
			c.updateGauges()
			err = ticket.Wait(ctx)
		}
		if err != nil {
			c.fresh.Rollback(ft)
			c.updateGauges()
			c.log.Debug("dropped: sequential", "key", key, "reason", err)
			return types.StatusDropped, nil
		}
		defer ticket.Done()
		ctx = sequential.WithPosition(ctx, ticket)
	}

	return c.run(ctx, key, cfg, action, ft)
}

// run 執行 action 並處理結果
func (c *Coordinator) run(ctx context.Context, key types.Key, cfg modifier.Resolved, action modifier.Action, ft *guard.FreshTicket) (types.Status, error) {
	id := c.dispatchSeq.Add(1)
	obs := c.currentObserver()

	r := observe.Start(id, key, cfg.Metrics, obs, c.log, c.now)

	err := modifier.RunBefore(ctx, cfg.Before)
	if err == nil {
		err = c.retry.Run(ctx, c.policy(key, cfg), modifier.Wrap(cfg.Wraps, action))
	}
	modifier.RunAfter(ctx, cfg.After, err)

	c.metrics.RecordDuration(r.End(err))

	if err == nil {
		c.fresh.Commit(ft)
		return types.StatusCompleted, nil
	}
	return c.fail(key, cfg, ft, err)
}

// policy 在呼叫端的 OnRetry 前面加上日誌與指標
func (c *Coordinator) policy(key types.Key, cfg modifier.Resolved) retry.Policy {
	p := retry.Policy{Retry: cfg.Retry, Connectivity: cfg.Connectivity}
	userHook := cfg.Retry.OnRetry
	p.Retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.metrics.RecordRetry()
		c.log.Warn("retrying", "key", key, "attempt", attempt, "delay", delay, "error", err)
		if userHook != nil {
			userHook(attempt, delay, err)
		}
	}
	return p
}

// fail 處理失敗的 dispatch
//
// 順序：
//  1. throttle RemoveLockOnError
//  2. freshness rollback
//  3. ProtocolError 直接回傳，不進入攔截鏈
//  4. call-site → named → global 攔截鏈
//  5. 存活的錯誤寫入 FailureMap；UserError 產生 Notice，其他錯誤記錄為 unexpected fault
func (c *Coordinator) fail(key types.Key, cfg modifier.Resolved, ft *guard.FreshTicket, err error) (types.Status, error) {
	if cfg.Throttle.Enabled && cfg.Throttle.RemoveLockOnError {
		c.throttle.Release(cfg.Throttle.Key.Or(key))
	}
	c.fresh.Rollback(ft)

	if types.IsProtocolError(err) {
		c.log.Error("protocol fault", "key", key, "error", err)
		return types.StatusFailed, err
	}

	outcome, surviving := observe.Intercept(cfg.Catches, c.currentGlobalCatch(), err, key)
	c.metrics.RecordFailure(outcome.String())

	switch outcome {
	case observe.Suppressed:
		c.log.Debug("error suppressed", "key", key, "error", err)
		return types.StatusFailed, nil
	case observe.UserFacing:
		ue, _ := types.AsUserError(surviving)
		c.setFailure(key, surviving, oneshot.New(ue))
	default:
		c.log.Error("unexpected fault", "key", key, "error", surviving)
		c.setFailure(key, surviving, nil)
	}
	return types.StatusFailed, surviving
}

// ============================================================================
// WaitingSet / FailureMap
// ============================================================================

func (c *Coordinator) enter(key types.Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.waiting[key]++
	_, hadFailure := c.failures[key]
	delete(c.failures, key)
	if c.waiting[key] == 1 || hadFailure {
		c.publishLocked(Change{Key: key, Busy: true})
	}
	c.gaugesLocked()
	return c.epoch
}

func (c *Coordinator) leave(key types.Key, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// reset 之後舊的 dispatch 不再影響新的計數
	if epoch != c.epoch {
		return
	}
	n := c.waiting[key] - 1
	if n > 0 {
		c.waiting[key] = n
		return
	}
	delete(c.waiting, key)
	c.publishLocked(Change{Key: key, Busy: false, Err: c.failures[key]})
	c.gaugesLocked()
}

func (c *Coordinator) setFailure(key types.Key, err error, notice *oneshot.Event[*types.UserError]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[key] = err
	c.publishLocked(Change{Key: key, Busy: c.waiting[key] > 0, Err: err, Notice: notice})
}

// IsBusy 回報 key 是否在 WaitingSet 中
func (c *Coordinator) IsBusy(key types.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting[key] > 0
}

// Failure 回傳 key 最後一次存活的錯誤，沒有則為 nil
func (c *Coordinator) Failure(key types.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[key]
}

// ClearFailure 手動清除 key 的錯誤
func (c *Coordinator) ClearFailure(key types.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.failures[key]; !ok {
		return
	}
	delete(c.failures, key)
	c.publishLocked(Change{Key: key, Busy: c.waiting[key] > 0})
}

// ============================================================================
// 訂閱
// ============================================================================

// Subscribe 訂閱 WaitingSet / FailureMap 的變動
//
// 發送是非阻塞的：緩衝區已滿時該次變動會被丟棄。
// 返回的函式取消訂閱並關閉 channel，可以重複呼叫。
func (c *Coordinator) Subscribe(buffer int) (<-chan Change, func()) {
	ch := make(chan Change, buffer)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
}

func (c *Coordinator) publishLocked(ch Change) {
	for _, sub := range c.subs {
		select {
		case sub <- ch:
		default:
		}
	}
}

// ============================================================================
// 失效 API
// ============================================================================

// ForceFresh 讓 key 下一次呼叫一定執行
func (c *Coordinator) ForceFresh(key types.Key) { c.fresh.Force(key) }

// ForceAllFresh 清空 freshness 快取
func (c *Coordinator) ForceAllFresh() { c.fresh.ForceAll() }

// RemoveThrottleLock 解除 key 的節流鎖
func (c *Coordinator) RemoveThrottleLock(key types.Key) { c.throttle.Release(key) }

// RemoveAllThrottleLocks 解除所有節流鎖
func (c *Coordinator) RemoveAllThrottleLocks() { c.throttle.ReleaseAll() }

// ============================================================================
// 全域 handler
// ============================================================================

// SetGlobalCatchError 設定攔截鏈最後一站
func (c *Coordinator) SetGlobalCatchError(fn modifier.CatchFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globalCatch = fn
}

// SetObserver 設定 dispatch 觀察者
func (c *Coordinator) SetObserver(o observe.Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

func (c *Coordinator) currentGlobalCatch() modifier.CatchFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globalCatch
}

func (c *Coordinator) currentObserver() observe.Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observer
}

// Attach 註冊需要隨 reset 清空的引擎
func (c *Coordinator) Attach(r Resetter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached = append(c.attached, r)
}

// ============================================================================
// Reset
// ============================================================================

// ResetUserScope 清空所有 per-key 狀態，保留全域 handler（登出時使用）
func (c *Coordinator) ResetUserScope() {
	c.fresh.ForceAll()
	c.throttle.ReleaseAll()
	c.debounce.CancelAll()
	c.nonReentrant.Reset()
	c.queues.Reset()

	c.mu.Lock()
	c.epoch++
	c.waiting = make(map[types.Key]int)
	c.failures = make(map[types.Key]error)
	attached := append([]Resetter(nil), c.attached...)
	c.gaugesLocked()
	c.mu.Unlock()

	for _, r := range attached {
		r.Reset()
	}
	c.log.Info("user scope reset")
}

// ResetAll 清空所有狀態，包含全域 handler（測試使用）
func (c *Coordinator) ResetAll() {
	c.ResetUserScope()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globalCatch = nil
	c.observer = nil
}

// ============================================================================
// 狀態
// ============================================================================

// Snapshot 取得目前的 per-key 狀態
func (c *Coordinator) Snapshot() types.StateSnapshot {
	s := types.StateSnapshot{
		Busy:      make(map[string]int),
		Failed:    make(map[string]string),
		Fresh:     make(map[string]time.Time),
		Throttled: make(map[string]time.Time),
		Queued:    make(map[string]int),
		Debounced: []string{},
		TakenAt:   c.now(),
		SchemaVer: SnapshotSchemaVersion,
	}

	c.mu.Lock()
	for k, n := range c.waiting {
		s.Busy[k.String()] = n
	}
	for k, err := range c.failures {
		s.Failed[k.String()] = err.Error()
	}
	c.mu.Unlock()

	for k, t := range c.fresh.Snapshot() {
		s.Fresh[k.String()] = t
	}
	for k, t := range c.throttle.Snapshot() {
		s.Throttled[k.String()] = t
	}
	for k, n := range c.queues.Stats() {
		if n > 0 {
			s.Queued[k.String()] = n
		}
	}
	for _, k := range c.debounce.Pending() {
		s.Debounced = append(s.Debounced, k.String())
	}
	return s
}

func (c *Coordinator) updateGauges() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gaugesLocked()
}

func (c *Coordinator) gaugesLocked() {
	if c.metrics == nil {
		return
	}
	queued := 0
	for _, n := range c.queues.Stats() {
		queued += n
	}
	c.metrics.UpdateQueueStats(len(c.waiting), queued)
}
