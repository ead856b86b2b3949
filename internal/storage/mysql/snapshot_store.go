package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Chain/internal/principal"
)

// SnapshotStore 抽象主体状态快照的持久化接口，重启后用于恢复滚动窗口。
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot principal.Snapshot) error
	LoadSnapshots(ctx context.Context) ([]principal.Snapshot, error)
}

// FileSnapshotStore 将快照写入本地 JSON 文件。
type FileSnapshotStore struct {
	mu       sync.Mutex
	dataFile string
}

// NewFileSnapshotStore 创建基于文件的快照存储。
func NewFileSnapshotStore(dataDir string) (*FileSnapshotStore, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	return &FileSnapshotStore{dataFile: filepath.Join(dataDir, "snapshots.json")}, nil
}

// SaveSnapshot 更新指定主体的快照并整体落盘。
func (f *FileSnapshotStore) SaveSnapshot(ctx context.Context, snapshot principal.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	snapshots, err := f.readAll()
	if err != nil {
		return err
	}
	replaced := false
	for i := range snapshots {
		if snapshots[i].Principal == snapshot.Principal {
			snapshots[i] = snapshot
			replaced = true
			break
		}
	}
	if !replaced {
		snapshots = append(snapshots, snapshot)
	}

	encoded, err := json.MarshalIndent(snapshots, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}
	if err := os.WriteFile(f.dataFile, encoded, 0o644); err != nil {
		return fmt.Errorf("写入快照文件失败: %w", err)
	}
	return nil
}

// LoadSnapshots 读取全部主体快照。
func (f *FileSnapshotStore) LoadSnapshots(ctx context.Context) ([]principal.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readAll()
}

func (f *FileSnapshotStore) readAll() ([]principal.Snapshot, error) {
	data, err := os.ReadFile(f.dataFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取快照文件失败: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var snapshots []principal.Snapshot
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return nil, fmt.Errorf("解析快照文件失败: %w", err)
	}
	return snapshots, nil
}

// SQLSnapshotStore 使用 MySQL 存储主体状态快照，每个主体一行。
type SQLSnapshotStore struct {
	db *sql.DB
}

// NewSQLSnapshotStore 创建连接池并应用迁移。
func NewSQLSnapshotStore(ctx context.Context, cfg Config) (*SQLSnapshotStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLSnapshotStore{db: db}, nil
}

// SaveSnapshot 以主体地址为键覆盖写入快照。
func (s *SQLSnapshotStore) SaveSnapshot(ctx context.Context, snapshot principal.Snapshot) error {
	entries, err := json.Marshal(snapshot.WindowEntries)
	if err != nil {
		return fmt.Errorf("序列化窗口条目失败: %w", err)
	}

	const stmt = `INSERT INTO policy_state_snapshots (principal, window_entries, last_operation, updated_at)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE window_entries = VALUES(window_entries), last_operation = VALUES(last_operation), updated_at = VALUES(updated_at)`

	var lastOp int64
	if !snapshot.LastOperation.IsZero() {
		lastOp = snapshot.LastOperation.UnixNano()
	}
	if _, err := s.db.ExecContext(ctx, stmt,
		strings.ToLower(snapshot.Principal.Hex()),
		string(entries),
		lastOp,
		time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("写入快照失败: %w", err)
	}
	return nil
}

// LoadSnapshots 读取全部主体快照。
func (s *SQLSnapshotStore) LoadSnapshots(ctx context.Context) ([]principal.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT principal, window_entries, last_operation FROM policy_state_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("查询快照失败: %w", err)
	}
	defer rows.Close()

	var snapshots []principal.Snapshot
	for rows.Next() {
		var identity, entries string
		var lastOp int64
		if err := rows.Scan(&identity, &entries, &lastOp); err != nil {
			return nil, fmt.Errorf("解析快照失败: %w", err)
		}
		snapshot := principal.Snapshot{Principal: common.HexToAddress(identity)}
		if entries != "" && entries != "null" {
			if err := json.Unmarshal([]byte(entries), &snapshot.WindowEntries); err != nil {
				return nil, fmt.Errorf("解析窗口条目失败: %w", err)
			}
		}
		if lastOp > 0 {
			snapshot.LastOperation = time.Unix(0, lastOp)
		}
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历快照失败: %w", err)
	}
	return snapshots, nil
}

// Close 关闭底层数据库连接。
func (s *SQLSnapshotStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
