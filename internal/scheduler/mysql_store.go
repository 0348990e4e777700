package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
	storagemysql "github.com/Xeros-AGiXT/Xeros/internal/storage/mysql"
	"github.com/Xeros-AGiXT/Xeros/internal/workflow"
)

const runColumns = `id, chain_id, display_name, params, status, steps, cursor_index, cancel_requested,
        error_code, last_error, created_at, started_at, finished_at, updated_at`

var terminalStatuses = []workflow.ChainStatus{
	workflow.ChainCompleted,
	workflow.ChainPartiallyCompleted,
	workflow.ChainFailed,
	workflow.ChainCancelled,
}

// MySQLStore 使用 MySQL 记录链路运行，表结构由 deploy/migrations 管理。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 基于已建立的连接池创建 MySQLStore，调用方负责提前执行迁移。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// OpenMySQLStore 连接 MySQL 并应用内嵌迁移。
func OpenMySQLStore(ctx context.Context, cfg storagemysql.Config) (*MySQLStore, error) {
	db, err := storagemysql.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := storagemysql.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewMySQLStore(db), nil
}

// Create 插入新的运行记录。
func (s *MySQLStore) Create(ctx context.Context, run *Run) error {
	if run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "run 不能为空")
	}
	if strings.TrimSpace(run.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}

	now := s.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.Status == "" {
		run.Status = workflow.ChainPending
	}
	run.UpdatedAt = now

	params, err := marshalJSON(run.Params)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码运行参数失败")
	}
	steps, err := marshalJSON(run.Steps)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码步骤结果失败")
	}

	const stmt = `INSERT INTO chain_runs
        (id, chain_id, display_name, params, status, steps, cursor_index, cancel_requested,
        error_code, last_error, created_at, started_at, finished_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		run.ID,
		run.ChainID,
		run.DisplayName,
		params,
		string(run.Status),
		steps,
		run.Cursor,
		run.CancelRequested,
		run.ErrorCode,
		run.LastError,
		toMillis(run.CreatedAt),
		toMillis(run.StartedAt),
		toMillis(run.FinishedAt),
		toMillis(run.UpdatedAt),
	)
	if err != nil {
		if storagemysql.IsDuplicateKey(err) {
			return ErrRunConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入运行记录失败")
	}
	return nil
}

// Get 查询指定运行。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM chain_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行记录失败")
	}
	return run, nil
}

// Claim 将 pending 运行标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Run, error) {
	const stmt = `UPDATE chain_runs SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`

	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx, stmt,
		string(workflow.ChainRunning),
		now,
		now,
		id,
		string(workflow.ChainPending),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	run, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if run.Terminal() {
			return run, ErrRunFinished
		}
		return run, ErrRunConflict
	}
	return run, nil
}

// Release 把中断的运行退回 pending，已请求取消的运行不会被退回。
func (s *MySQLStore) Release(ctx context.Context, id string) error {
	const stmt = `UPDATE chain_runs SET status = ?, steps = NULL, cursor_index = -1, started_at = 0, updated_at = ?
        WHERE id = ? AND status = ? AND cancel_requested = 0`

	res, err := s.db.ExecContext(ctx, stmt,
		string(workflow.ChainPending),
		toMillis(s.now()),
		id,
		string(workflow.ChainRunning),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "退回运行失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		run, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if run.Terminal() {
			return ErrRunFinished
		}
		return ErrRunConflict
	}
	return nil
}

// UpdateSteps 保存进度快照并读取取消标记。
func (s *MySQLStore) UpdateSteps(ctx context.Context, id string, steps map[string]workflow.StepResult, cursor int) (bool, error) {
	encoded, err := marshalJSON(steps)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码步骤结果失败")
	}
	const update = `UPDATE chain_runs SET steps = ?, cursor_index = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, update, encoded, cursor, toMillis(s.now()), id); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存运行进度失败")
	}

	var cancelRequested bool
	row := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM chain_runs WHERE id = ?`, id)
	if err := row.Scan(&cancelRequested); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return false, ErrRunNotFound
		}
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取取消标记失败")
	}
	return cancelRequested, nil
}

// Finish 写入终态与最终的步骤结果。
func (s *MySQLStore) Finish(ctx context.Context, id string, completion Completion) error {
	if !completion.Status.Terminal() {
		return xerrors.New(xerrors.CodeInvalidArgument, "Finish 需要终态")
	}
	steps, err := marshalJSON(completion.Steps)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码步骤结果失败")
	}

	const stmt = `UPDATE chain_runs SET status = ?, steps = COALESCE(?, steps), error_code = ?, last_error = ?,
        finished_at = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`

	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx, stmt,
		string(completion.Status),
		steps,
		completion.ErrorCode,
		completion.LastError,
		now,
		now,
		id,
		string(workflow.ChainPending),
		string(workflow.ChainRunning),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行终态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrRunFinished
	}
	return nil
}

// Cancel 取消 pending 运行，或为运行中的运行设置取消标记。
func (s *MySQLStore) Cancel(ctx context.Context, id string) (*Run, error) {
	now := toMillis(s.now())

	const cancelPending = `UPDATE chain_runs SET status = ?, cancel_requested = 1, error_code = ?, last_error = ?,
        finished_at = ?, updated_at = ? WHERE id = ? AND status = ?`
	if _, err := s.db.ExecContext(ctx, cancelPending,
		string(workflow.ChainCancelled),
		string(xerrors.CodeCancelled),
		"运行在开始前被取消",
		now,
		now,
		id,
		string(workflow.ChainPending),
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消运行失败")
	}

	const flagRunning = `UPDATE chain_runs SET cancel_requested = 1, updated_at = ?
        WHERE id = ? AND status = ? AND cancel_requested = 0`
	if _, err := s.db.ExecContext(ctx, flagRunning, now, id, string(workflow.ChainRunning)); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "设置取消标记失败")
	}

	return s.Get(ctx, id)
}

// List 返回符合条件的运行。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Run, error) {
	opts.applyDefaults()

	query := `SELECT ` + runColumns + ` FROM chain_runs`
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
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行列表失败")
	}
	defer rows.Close()

	runs := make([]*Run, 0, opts.Limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行记录失败")
	}
	return runs, nil
}

// Stats 返回符合过滤条件的运行聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (RunStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS partially_completed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS cancelled,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM chain_runs`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(workflow.ChainPending),
		string(workflow.ChainRunning),
		string(workflow.ChainCompleted),
		string(workflow.ChainPartiallyCompleted),
		string(workflow.ChainFailed),
		string(workflow.ChainCancelled),
	}
	args = append(args, filterArgs...)

	var stats RunStats
	var oldest, newest int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Completed,
		&stats.PartiallyCompleted,
		&stats.Failed,
		&stats.Cancelled,
		&oldest,
		&newest,
	); err != nil {
		return RunStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行统计失败")
	}
	if stats.Total > 0 {
		stats.OldestUpdatedAt = fromMillis(oldest)
		stats.NewestUpdatedAt = fromMillis(newest)
	}
	return stats, nil
}

// Delete 删除一条运行记录。
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chain_runs WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除运行记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// DeleteFinishedBefore 删除在 cutoff 之前进入终态的运行。
func (s *MySQLStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	clause, args := finishedBeforeClause(cutoff)
	res, err := s.db.ExecContext(ctx, `DELETE FROM chain_runs WHERE `+clause, args...)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理历史运行失败")
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return int(removed), nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                                         Run
		status                                      string
		params, steps, lastError                    sql.NullString
		createdAt, startedAt, finishedAt, updatedAt int64
	)
	if err := row.Scan(
		&run.ID,
		&run.ChainID,
		&run.DisplayName,
		&params,
		&status,
		&steps,
		&run.Cursor,
		&run.CancelRequested,
		&run.ErrorCode,
		&lastError,
		&createdAt,
		&startedAt,
		&finishedAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	run.Status = workflow.ChainStatus(status)
	run.LastError = lastError.String
	run.CreatedAt = fromMillis(createdAt)
	run.StartedAt = fromMillis(startedAt)
	run.FinishedAt = fromMillis(finishedAt)
	run.UpdatedAt = fromMillis(updatedAt)

	if params.Valid && strings.TrimSpace(params.String) != "" {
		if err := json.Unmarshal([]byte(params.String), &run.Params); err != nil {
			return nil, fmt.Errorf("解析运行参数失败: %w", err)
		}
	}
	if steps.Valid && strings.TrimSpace(steps.String) != "" {
		if err := json.Unmarshal([]byte(steps.String), &run.Steps); err != nil {
			return nil, fmt.Errorf("解析步骤结果失败: %w", err)
		}
	}
	return &run, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.ChainID != "" {
		conditions = append(conditions, "chain_id = ?")
		args = append(args, opts.ChainID)
	}
	if !opts.UpdatedSince.IsZero() {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, toMillis(opts.UpdatedSince))
	}
	if !opts.UpdatedUntil.IsZero() {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, toMillis(opts.UpdatedUntil))
	}
	if !opts.FinishedBefore.IsZero() {
		clause, finishedArgs := finishedBeforeClause(opts.FinishedBefore)
		conditions = append(conditions, "("+clause+")")
		args = append(args, finishedArgs...)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR chain_id LIKE ? OR display_name LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func finishedBeforeClause(cutoff time.Time) (string, []any) {
	args := make([]any, 0, len(terminalStatuses)+1)
	for _, status := range terminalStatuses {
		args = append(args, string(status))
	}
	args = append(args, toMillis(cutoff))
	return "status IN (?, ?, ?, ?) AND finished_at > 0 AND finished_at < ?", args
}

func marshalJSON[T any](value map[string]T) (sql.NullString, error) {
	if len(value) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

var _ Store = (*MySQLStore)(nil)
