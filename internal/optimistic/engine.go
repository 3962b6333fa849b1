// ============================================================================
// Actionguard Optimistic - 樂觀更新引擎
// ============================================================================
//
// Package: internal/optimistic
// 文件: engine.go
// 功能: 先修改本地狀態，再與伺服器同步；失敗時回滾
//
// 三種入口:
//   1. Command       一次性的伺服器命令
//      CaptureInitial → ApplyOptimistic → SendToServer
//        → ApplyServerResponse | Rollback → OptionalReload
//      預設對 key（或 NonReentrantKey）non-reentrant
//
//   2. Sync          "最後一個值勝出" 的合併同步
//      每次呼叫都立即套用本地值；同一個 key 最多一個請求在途中。
//      請求結束時比較送出的值和目前的值，不同就送 follow-up。
//
//   3. SyncWithPush  Sync + revision 號碼
//      每次套用 localRevision++；請求結束時比較 localRevision，
//      伺服器 push 可能已經在途中把值對齊，不需要 follow-up。
//
// 數據結構設計:
//   locks     map[Key]string     - 鎖持有者的 dispatch id
//   revisions map[Key]*revision  - serverRevision / localRevision / syncedLocal / pushes
//
// 並發安全:
//   - e.mu 保護兩個 map；Get/Set 回呼在需要原子性的地方於鎖內呼叫，
//     因此回呼不可以再呼叫 Engine
//
// ============================================================================

package optimistic

import (
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/actionguard/internal/coordinator"
	"github.com/ChuLiYu/actionguard/internal/metrics"
	"github.com/ChuLiYu/actionguard/pkg/types"
)

// Options Engine 配置
type Options struct {
	DeviceID string             // 空字串時自動產生 uuid
	Logger   *slog.Logger       // nil 時使用 slog.Default()
	Metrics  *metrics.Collector // nil 時不記錄指標
}

// revision push 模式的版本資訊
type revision struct {
	server      int64 // 已知最新的伺服器版本
	local       int64 // 每次本地套用 +1
	syncedLocal int64 // 已經和伺服器對齊的 localRevision
	pushes      int64 // 已套用的 push 次數，用來判斷請求途中是否有 push 覆寫本地值
}

// Engine 樂觀更新的共享狀態
type Engine struct {
	coord    *coordinator.Coordinator
	log      *slog.Logger
	metrics  *metrics.Collector
	deviceID string

	mu        sync.Mutex
	locks     map[types.Key]string
	revisions map[types.Key]*revision
}

// NewEngine 建立引擎並掛到 coord 上，隨 coord 的 reset 一起清空
func NewEngine(coord *coordinator.Coordinator, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DeviceID == "" {
		opts.DeviceID = uuid.NewString()
	}
	e := &Engine{
		coord:     coord,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		deviceID:  opts.DeviceID,
		locks:     make(map[types.Key]string),
		revisions: make(map[types.Key]*revision),
	}
	coord.Attach(e)
	return e
}

// DeviceID 本裝置的 id，push 模式用來辨識自己送出的變更
func (e *Engine) DeviceID() string { return e.deviceID }

// Reset 清空所有 per-key 狀態
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locks = make(map[types.Key]string)
	e.revisions = make(map[types.Key]*revision)
}

// Locked 回報 key 是否有請求在途中
func (e *Engine) Locked(key types.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.locks[key]
	return ok
}

// Revision 回傳 key 的 server / local revision
func (e *Engine) Revision(key types.Key) (server, local int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.revisions[key]; ok {
		return r.server, r.local
	}
	return 0, 0
}

// tryLock 嘗試取得 key 的同步鎖
// 失敗時本地值已套用，由持有者在請求結束後比較並送出 follow-up
func (e *Engine) tryLock(key types.Key) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, held := e.locks[key]; held {
		return "", false
	}
	owner := uuid.NewString()
	e.locks[key] = owner
	return owner, true
}

// unlock 只有在 owner 仍持有鎖時才釋放
func (e *Engine) unlockLocked(key types.Key, owner string) {
	if e.locks[key] != owner {
		return
	}
	delete(e.locks, key)
}

func (e *Engine) unlock(key types.Key, owner string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unlockLocked(key, owner)
}

func (e *Engine) revisionLocked(key types.Key) *revision {
	r, ok := e.revisions[key]
	if !ok {
		r = &revision{}
		e.revisions[key] = r
	}
	return r
}

// equalFunc 回傳 eq，未設定時使用 reflect.DeepEqual
func equalFunc[V any](eq func(a, b V) bool) func(a, b V) bool {
	if eq != nil {
		return eq
	}
	return func(a, b V) bool { return reflect.DeepEqual(a, b) }
}
