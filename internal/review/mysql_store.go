package review

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "Aegis-Chain/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录审查状态，作为授权决策的审计底账。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS review_states (
        id VARCHAR(64) PRIMARY KEY,
        principal VARCHAR(64) NOT NULL DEFAULT '',
        category VARCHAR(32) NOT NULL DEFAULT '',
        proposal TEXT,
        use_swarm TINYINT(1) NOT NULL DEFAULT 0,
        metadata TEXT,
        status VARCHAR(32) NOT NULL,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        decision_allowed TINYINT(1) NOT NULL DEFAULT 0,
        decision_reason TEXT,
        decision_violations TEXT,
        consensus TEXT,
        approval_rate DOUBLE NOT NULL DEFAULT 0,
        tx_hash VARCHAR(66) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_review_status (status),
        INDEX idx_review_principal (principal),
        INDEX idx_review_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 review_states 表失败")
	}
	return nil
}

// Create 插入新的审查记录。
func (s *MySQLStore) Create(ctx context.Context, review *Review) error {
	if review == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "review 不能为空")
	}
	if strings.TrimSpace(review.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "审查 ID 不能为空")
	}
	if review.Proposal == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "审查必须携带提案")
	}

	now := time.Now().Unix()
	review.CreatedAt = now
	review.UpdatedAt = now

	proposalValue, err := json.Marshal(review.Proposal)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码提案失败")
	}
	metadataValue, err := marshalMetadata(review.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码审查 metadata 失败")
	}

	const stmt = `INSERT INTO review_states
        (id, principal, category, proposal, use_swarm, metadata, status, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		review.ID,
		strings.ToLower(review.Proposal.Principal.Hex()),
		string(review.Proposal.Category),
		string(proposalValue),
		review.UseSwarm,
		metadataValue,
		review.Status,
		review.CreatedAt,
		review.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrReviewConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入审查失败")
	}
	return nil
}

const reviewColumns = `id, proposal, use_swarm, metadata, status, last_error, error_code,
        decision_allowed, decision_reason, decision_violations, consensus, approval_rate, tx_hash, created_at, updated_at`

// Get 查询指定审查。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Review, error) {
	stmt := `SELECT ` + reviewColumns + ` FROM review_states WHERE id = ?`
	row := s.db.QueryRowContext(ctx, stmt, id)
	review, err := scanReview(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrReviewNotFound
		}
		return nil, err
	}
	return review, nil
}

// Claim 将审查标记为评估中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Review, error) {
	const updateStmt = `UPDATE review_states SET status = ?, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusEvaluating,
		now,
		id,
		StatusPending,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新审查状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		review, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if IsTerminalStatus(review.Status) {
			return review, ErrReviewDecided
		}
		return review, ErrReviewConflict
	}
	return s.Get(ctx, id)
}

// MarkDecided 记录终态裁定。
func (s *MySQLStore) MarkDecided(ctx context.Context, id string, decision Decision) error {
	violationsValue, err := marshalViolations(decision.Violations)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码裁定违规项失败")
	}

	status := StatusDenied
	if decision.Allowed {
		status = StatusApproved
	}

	const stmt = `UPDATE review_states SET status = ?, decision_allowed = ?, decision_reason = ?,
        decision_violations = ?, consensus = ?, approval_rate = ?, tx_hash = ?, updated_at = ?,
        last_error = '', error_code = '' WHERE id = ? AND status NOT IN (?, ?, ?)`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		status,
		decision.Allowed,
		decision.Reason,
		violationsValue,
		decision.Consensus,
		decision.ApprovalRate,
		decision.TxHash,
		now,
		id,
		StatusApproved,
		StatusDenied,
		StatusFailed,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录审查裁定失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrReviewDecided
	}
	return nil
}

// MarkFailed 将审查标记为失败终态。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	const stmt = `UPDATE review_states SET status = ?, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status NOT IN (?, ?, ?)`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed,
		lastError,
		string(code),
		now,
		id,
		StatusApproved,
		StatusDenied,
		StatusFailed,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记审查失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrReviewDecided
	}
	return nil
}

// List 返回最近的审查。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Review, error) {
	opts.applyDefaults()

	query := `SELECT ` + reviewColumns + ` FROM review_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审查列表失败")
	}
	defer rows.Close()

	reviews := make([]*Review, 0, opts.Limit)
	for rows.Next() {
		review, err := scanReview(rows.Scan)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, review)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审查失败")
	}
	return reviews, nil
}

// Stats 返回符合过滤条件的审查聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (ReviewStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS evaluating,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS approved,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS denied,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM review_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusEvaluating), string(StatusApproved), string(StatusDenied), string(StatusFailed)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats ReviewStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Evaluating,
		&stats.Approved,
		&stats.Denied,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return ReviewStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审查统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanReview(scan func(dest ...any) error) (*Review, error) {
	var review Review
	var proposalRaw sql.NullString
	var metadataRaw sql.NullString
	var lastError sql.NullString
	var errorCode sql.NullString
	var decisionAllowed bool
	var decisionReason sql.NullString
	var violationsRaw sql.NullString
	var consensus sql.NullString
	var approvalRate float64
	var txHash sql.NullString

	if err := scan(
		&review.ID,
		&proposalRaw,
		&review.UseSwarm,
		&metadataRaw,
		&review.Status,
		&lastError,
		&errorCode,
		&decisionAllowed,
		&decisionReason,
		&violationsRaw,
		&consensus,
		&approvalRate,
		&txHash,
		&review.CreatedAt,
		&review.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审查记录失败")
	}

	review.LastError = lastError.String
	review.ErrorCode = errorCode.String

	if proposalRaw.Valid && strings.TrimSpace(proposalRaw.String) != "" {
		if err := json.Unmarshal([]byte(proposalRaw.String), &review.Proposal); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审查提案失败")
		}
	}
	metadata, err := unmarshalMetadata(metadataRaw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审查 metadata 失败")
	}
	review.Metadata = metadata

	if IsTerminalStatus(review.Status) && review.Status != StatusFailed {
		violations, err := unmarshalViolations(violationsRaw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析裁定违规项失败")
		}
		review.Decision = &Decision{
			Allowed:      decisionAllowed,
			Reason:       decisionReason.String,
			Violations:   violations,
			Consensus:    consensus.String,
			ApprovalRate: approvalRate,
			TxHash:       txHash.String,
		}
	}
	return &review, nil
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func marshalViolations(violations []string) (sql.NullString, error) {
	if len(violations) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(violations)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalViolations(raw sql.NullString) ([]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var violations []string
	if err := json.Unmarshal([]byte(raw.String), &violations); err != nil {
		return nil, err
	}
	return violations, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if len(opts.Categories) > 0 {
		placeholders := make([]string, 0, len(opts.Categories))
		for range opts.Categories {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("category IN (%s)", strings.Join(placeholders, ",")))
		for _, category := range opts.Categories {
			args = append(args, string(category))
		}
	}
	if opts.Principal != "" {
		conditions = append(conditions, "principal = ?")
		args = append(args, opts.Principal)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Decided != nil {
		if *opts.Decided {
			conditions = append(conditions, "status IN (?, ?)")
		} else {
			conditions = append(conditions, "status NOT IN (?, ?)")
		}
		args = append(args, string(StatusApproved), string(StatusDenied))
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR principal LIKE ? OR category LIKE ? OR proposal LIKE ? OR last_error LIKE ? OR decision_reason LIKE ? OR decision_violations LIKE ? OR consensus LIKE ? OR tx_hash LIKE ?)")
		args = append(args,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
		)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
