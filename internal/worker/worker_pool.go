// ============================================================================
// Actionguard Worker Pool - 並發 dispatch 執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 以固定數量的 goroutine 同時呼叫 coordinator，產生真實的並發負載
//
// 架構:
//   Submit() ──→ taskCh ──→ Worker 1..N ──→ resultCh ──→ ReceiveResult()
//
// 生命週期:
//   1. NewPool()  建立 channels
//   2. Start(n)   啟動 n 個 Worker
//   3. Submit()   提交任務（taskCh 滿時阻塞）
//   4. ReceiveResult() 讀取結果
//   5. Stop()     停止接收，等所有 Worker 完成，關閉 resultCh
//
// 關閉順序:
//   Stop() 先關閉 stopCh 讓阻塞中的 Submit() 退出，
//   再取得 sendMu 的寫鎖關閉 taskCh。Submit() 在送出期間持有讀鎖，
//   因此不會對已關閉的 channel 送資料。
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"
)

var log = slog.Default()

var (
	// ErrPoolClosed Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 重複呼叫 Start
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool 管理多個並發的 Worker
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup

	sendMu sync.RWMutex // Submit 持讀鎖，Stop 關閉 taskCh 時持寫鎖

	mu      sync.Mutex // 保護 started / stopped
	started bool
	stopped bool
}

// NewPool 建立新的 Worker Pool
//
// 參數:
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	log.Debug("worker pool started", "workers", workerCount)
	return nil
}

// Submit 提交任務，taskCh 滿時阻塞直到有空間或 Pool 關閉
//
// 返回值:
//   - error: ErrPoolNotStarted 或 ErrPoolClosed
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 讀取下一個結果
// Stop() 完成且結果都被讀完後返回 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool
//
// 已提交的任務都會執行完，結果仍可從 ReceiveResult 讀到。
// 呼叫者必須持續讀取結果，否則 Stop 會阻塞。
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
	log.Debug("worker pool stopped", "workers", len(p.workers))
}

// GetWorkerCount 返回 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
