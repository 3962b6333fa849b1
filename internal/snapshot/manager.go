package snapshot

// ============================================================================
// 職責說明：
// 1. 將 coordinator 的 per-key 狀態序列化為 JSON 快照檔（診斷用）
// 2. 使用原子性寫入（temp file + rename）防止讀到寫一半的檔案
// 3. 載入時驗證 schema 版本相容性
// 4. 可選擇保留最近幾份備份
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/actionguard/internal/coordinator"
	"github.com/ChuLiYu/actionguard/pkg/types"
)

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// backupLayout 備份檔名中的時間格式，字典序等於時間序
const backupLayout = "20060102_150405.000000000"

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
	now  func() time.Time
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path, now: time.Now}
}

// Write 原子性寫入快照
//
// 流程：
//  1. 寫入臨時檔案（.tmp）
//  2. os.Rename 原子性替換原始檔案
//
// SchemaVer 為 0 時填入目前版本。
func (m *Manager) Write(data types.StateSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data types.StateSnapshot) error {
	if data.SchemaVer == 0 {
		data.SchemaVer = coordinator.SnapshotSchemaVersion
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入快照
//
// 返回值：
//   - types.StateSnapshot: 快照資料，map 欄位保證不為 nil
//   - error: ErrSnapshotNotFound、ErrCorruptedSnapshot 或 ErrIncompatibleVersion
func (m *Manager) Load() (types.StateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.StateSnapshot

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return data, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != coordinator.SnapshotSchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, coordinator.SnapshotSchemaVersion)
	}

	if data.Busy == nil {
		data.Busy = map[string]int{}
	}
	if data.Failed == nil {
		data.Failed = map[string]string{}
	}
	if data.Fresh == nil {
		data.Fresh = map[string]time.Time{}
	}
	if data.Throttled == nil {
		data.Throttled = map[string]time.Time{}
	}
	if data.Queued == nil {
		data.Queued = map[string]int{}
	}
	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup 寫入快照，舊快照改名為帶時間戳的備份，只保留最近 keepBackups 份
func (m *Manager) WriteWithBackup(data types.StateSnapshot, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backupPath := fmt.Sprintf("%s.%s", m.path, m.now().Format(backupLayout))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}

	if err := m.writeLocked(data); err != nil {
		return err
	}
	return m.pruneLocked(keepBackups)
}

// Backups 依時間由舊到新列出備份檔
func (m *Manager) Backups() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backupsLocked()
}

func (m *Manager) backupsLocked() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	backups := matches[:0]
	for _, p := range matches {
		if p != m.path+".tmp" {
			backups = append(backups, p)
		}
	}
	sort.Strings(backups)
	return backups, nil
}

func (m *Manager) pruneLocked(keep int) error {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.backupsLocked()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove old backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
