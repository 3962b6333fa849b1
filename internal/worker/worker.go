// ============================================================================
// Actionguard Worker - 任務執行單元
// ============================================================================
//
// Package: internal/worker
// 文件: worker.go
// 功能: 每個 Worker 在獨立 goroutine 中執行 dispatch
//
// 執行模型:
//   for task := range taskCh
//     ├─ Context（Timeout > 0 時帶超時）
//     ├─ task.Run(ctx)        panic 轉成 error
//     └─ 結果送到 resultCh    阻塞直到被讀取
//
// 注意:
//   resultCh 必須有人讀取，否則 Worker 會停在送出結果那一步，
//   Pool.Stop() 也就無法返回。
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/actionguard/pkg/types"
)

// Worker 代表一個執行單元
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run Worker 主循環，taskCh 關閉後返回
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		ctx, cancel := context.Background(), context.CancelFunc(func() {})
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		}
		status, err := w.execute(ctx, task)
		cancel()

		w.resultCh <- Result{
			TaskID:   task.ID,
			Key:      task.Key,
			Status:   status,
			Err:      err,
			Duration: time.Since(start),
		}
	}
}

// execute 執行單一任務，panic 視為失敗
func (w *Worker) execute(ctx context.Context, task Task) (status types.Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "worker", w.id, "task", task.ID, "panic", r)
			status, err = types.StatusFailed, fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	if task.Run == nil {
		return types.StatusFailed, fmt.Errorf("task %s has no run function", task.ID)
	}
	return task.Run(ctx)
}
