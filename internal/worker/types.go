package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/actionguard/pkg/types"
)

// Task 一次要交給 coordinator 的 dispatch
type Task struct {
	ID      string                                          // 任務識別碼
	Key     types.Key                                       // dispatch 的 key，用於統計
	Run     func(ctx context.Context) (types.Status, error) // 實際的 dispatch 呼叫
	Timeout time.Duration                                   // 0 表示不限時
}

// Result 一次 dispatch 的結果
type Result struct {
	TaskID   string        // 任務 ID
	Key      types.Key     // dispatch 的 key
	Status   types.Status  // dispatch 回傳的狀態
	Err      error         // dispatch 回傳的錯誤（如果有）
	Duration time.Duration // 實際執行時間（含排隊、debounce 等待）
}
