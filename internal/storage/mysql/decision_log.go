package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DecisionRecord 表示一次授权裁决的落库结构。
type DecisionRecord struct {
	ID           int64    `json:"id"`
	ReviewID     string   `json:"review_id"`
	Principal    string   `json:"principal"`
	Category     string   `json:"category"`
	Amount       uint64   `json:"amount"`
	Allowed      bool     `json:"allowed"`
	Halted       bool     `json:"halted"`
	Violations   []string `json:"violations,omitempty"`
	Consensus    string   `json:"consensus,omitempty"`
	ApprovalRate float64  `json:"approval_rate,omitempty"`
	TxHash       string   `json:"tx_hash,omitempty"`
	CreatedAt    int64    `json:"created_at"`
}

// DecisionLog 抽象裁决审计数据的持久化接口。
type DecisionLog interface {
	Append(ctx context.Context, record *DecisionRecord) error
	ListLatest(ctx context.Context, limit int) ([]DecisionRecord, error)
	ListByPrincipal(ctx context.Context, principal string, limit int) ([]DecisionRecord, error)
}

// FileDecisionLog 使用本地 JSON 行文件模拟 MySQL 的效果，方便迭代开发。
type FileDecisionLog struct {
	mu       sync.RWMutex
	dataFile string
	records  []DecisionRecord
	nextID   int64
}

const fileLogRetain = 512

// NewFileDecisionLog 创建一个基于文件的裁决日志。
func NewFileDecisionLog(dataDir string) (*FileDecisionLog, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "decisions.log")
	log := &FileDecisionLog{dataFile: path, nextID: 1}
	if err := log.loadFromDisk(); err != nil {
		return nil, err
	}
	return log, nil
}

// Append 以追加写的方式记录裁决结果。
func (f *FileDecisionLog) Append(_ context.Context, record *DecisionRecord) error {
	if record == nil {
		return fmt.Errorf("裁决记录不能为空")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	record.ID = f.nextID
	f.nextID++
	record.Principal = strings.ToLower(strings.TrimSpace(record.Principal))

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开裁决日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化裁决记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入裁决日志失败: %w", err)
	}

	f.records = append([]DecisionRecord{*record}, f.records...)
	if len(f.records) > fileLogRetain {
		f.records = f.records[:fileLogRetain]
	}
	return nil
}

// ListLatest 返回最近的裁决记录，按时间倒序排列。
func (f *FileDecisionLog) ListLatest(_ context.Context, limit int) ([]DecisionRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if limit <= 0 || limit > len(f.records) {
		limit = len(f.records)
	}
	results := make([]DecisionRecord, limit)
	copy(results, f.records[:limit])
	return results, nil
}

// ListByPrincipal 返回指定主体最近的裁决记录。
func (f *FileDecisionLog) ListByPrincipal(_ context.Context, principal string, limit int) ([]DecisionRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	principal = strings.ToLower(strings.TrimSpace(principal))
	if limit <= 0 {
		limit = len(f.records)
	}
	var results []DecisionRecord
	for _, record := range f.records {
		if record.Principal != principal {
			continue
		}
		results = append(results, record)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (f *FileDecisionLog) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取裁决日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []DecisionRecord
	for scanner.Scan() {
		var record DecisionRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.ID >= f.nextID {
			f.nextID = record.ID + 1
		}
		restored = append([]DecisionRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析裁决日志失败: %w", err)
	}

	if len(restored) > fileLogRetain {
		restored = restored[:fileLogRetain]
	}
	if len(restored) > 0 {
		f.records = restored
	}
	return nil
}

// SQLDecisionLog 使用真实的 MySQL 数据库存储裁决审计记录。
type SQLDecisionLog struct {
	db *sql.DB
}

// NewSQLDecisionLog 创建连接池并应用迁移。
func NewSQLDecisionLog(ctx context.Context, cfg Config) (*SQLDecisionLog, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLDecisionLog{db: db}, nil
}

// Append 将裁决记录写入 MySQL。
func (s *SQLDecisionLog) Append(ctx context.Context, record *DecisionRecord) error {
	if record == nil {
		return fmt.Errorf("裁决记录不能为空")
	}
	violations, err := json.Marshal(record.Violations)
	if err != nil {
		return fmt.Errorf("序列化违规列表失败: %w", err)
	}

	const stmt = `INSERT INTO decision_log
        (review_id, principal, category, amount, allowed, halted, violations, consensus, approval_rate, tx_hash, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		record.ReviewID,
		strings.ToLower(strings.TrimSpace(record.Principal)),
		record.Category,
		record.Amount,
		boolToInt(record.Allowed),
		boolToInt(record.Halted),
		string(violations),
		record.Consensus,
		record.ApprovalRate,
		record.TxHash,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("写入裁决记录失败: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

const decisionColumns = `id, review_id, principal, category, amount, allowed, halted, violations, consensus, approval_rate, tx_hash, created_at`

// ListLatest 查询最近的若干条裁决记录。
func (s *SQLDecisionLog) ListLatest(ctx context.Context, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+decisionColumns+`
        FROM decision_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询裁决记录失败: %w", err)
	}
	defer rows.Close()
	return collectDecisions(rows)
}

// ListByPrincipal 查询指定主体最近的裁决记录。
func (s *SQLDecisionLog) ListByPrincipal(ctx context.Context, principal string, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+decisionColumns+`
        FROM decision_log WHERE principal = ? ORDER BY id DESC LIMIT ?`,
		strings.ToLower(strings.TrimSpace(principal)), limit)
	if err != nil {
		return nil, fmt.Errorf("查询裁决记录失败: %w", err)
	}
	defer rows.Close()
	return collectDecisions(rows)
}

func collectDecisions(rows *sql.Rows) ([]DecisionRecord, error) {
	var records []DecisionRecord
	for rows.Next() {
		var record DecisionRecord
		var allowed, halted int
		var violations string
		if err := rows.Scan(
			&record.ID,
			&record.ReviewID,
			&record.Principal,
			&record.Category,
			&record.Amount,
			&allowed,
			&halted,
			&violations,
			&record.Consensus,
			&record.ApprovalRate,
			&record.TxHash,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("解析裁决记录失败: %w", err)
		}
		record.Allowed = allowed == 1
		record.Halted = halted == 1
		if violations != "" && violations != "null" {
			if err := json.Unmarshal([]byte(violations), &record.Violations); err != nil {
				return nil, fmt.Errorf("解析违规列表失败: %w", err)
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历裁决记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLDecisionLog) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
