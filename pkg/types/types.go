// Package types 定義了 actionguard 系統中使用的核心領域模型
package types

import (
	"time"
)

// Status 一次 dispatch 的最終結果
type Status string

// 定義 dispatch 結果常數
const (
	StatusCompleted  Status = "completed"  // 完成狀態：action 已執行且成功
	StatusFailed     Status = "failed"     // 失敗狀態：action 已執行但最終失敗（錯誤可能已被攔截鏈吞掉）
	StatusFresh      Status = "fresh"      // 新鮮狀態：快取仍有效，action 未執行
	StatusRejected   Status = "rejected"   // 拒絕狀態：non-reentrant 或 throttle 拒絕
	StatusSuperseded Status = "superseded" // 取代狀態：debounce 期間被後續呼叫取代
	StatusDropped    Status = "dropped"    // 丟棄狀態：佇列已滿、被逐出、排隊逾時或排隊中被取消
	StatusCoalesced  Status = "coalesced"  // 合併狀態：optimistic sync 已套用本地值，由進行中的請求負責送出
)

// Ran 回報 action 是否真的被執行過
func (s Status) Ran() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StateSnapshot coordinator 某一時刻的 per-key 狀態，用於診斷輸出
// map 的鍵使用 Key.String()，方便序列化為 JSON
type StateSnapshot struct {
	Busy      map[string]int       `json:"busy"`       // 執行中的 dispatch 數量
	Failed    map[string]string    `json:"failed"`     // 最後一次失敗的錯誤訊息
	Fresh     map[string]time.Time `json:"fresh"`      // freshness 到期時間
	Throttled map[string]time.Time `json:"throttled"`  // throttle 解鎖時間
	Queued    map[string]int       `json:"queued"`     // sequential 佇列中等待的數量
	Debounced []string             `json:"debounced"`  // 有 debounce 計時器等待中的 key
	TakenAt   time.Time            `json:"taken_at"`   // 快照時間
	SchemaVer int                  `json:"schema_ver"` // 資料結構版本號
}
