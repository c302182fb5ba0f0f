package proposal

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"AgentPilot/deploy/migrations"
	"AgentPilot/internal/bounds"
	xerrors "AgentPilot/internal/errors"
)

// MySQLStore 使用 MySQL 记录提案、自治执行记录与建议。
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

// initSchema 按文件名顺序执行内嵌的迁移脚本。
func (s *MySQLStore) initSchema() error {
	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移脚本失败")
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := migrations.Files.ReadFile(entry.Name())
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移脚本失败")
		}
		stmt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(string(content)), ";"))
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err,
				fmt.Sprintf("执行迁移脚本 %s 失败", entry.Name()))
		}
	}
	return nil
}

const proposalColumns = `id, agent_id, target_agent_id, parent_proposal_id, child_proposal_ids,
        action_name, title, description, priority, deadline, reasoning, proposed_action, modified_action,
        status, coordination_status, execution_result, execution_error, execution_started_at,
        execution_completed_at, reviewed_by, review_notes, created_at, updated_at`

// Create 插入新的提案记录。
func (s *MySQLStore) Create(ctx context.Context, p *Proposal) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "proposal 不能为空")
	}
	if strings.TrimSpace(p.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "提案 ID 不能为空")
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	if p.CoordinationStatus == "" {
		p.CoordinationStatus = CoordinationNone
	}

	now := time.Now().Unix()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	children, err := marshalJSON(p.ChildProposalIDs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码子提案列表失败")
	}
	reasoning, err := marshalJSON(p.Reasoning)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 reasoning 失败")
	}
	proposed, err := marshalJSON(p.ProposedAction)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 proposed_action 失败")
	}
	modified, err := marshalJSON(p.ModifiedAction)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 modified_action 失败")
	}
	result, err := marshalJSON(p.ExecutionResult)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 execution_result 失败")
	}

	const stmt = `INSERT INTO proposals
        (id, agent_id, target_agent_id, parent_proposal_id, child_proposal_ids,
         action_name, title, description, priority, deadline, reasoning, proposed_action, modified_action,
         status, coordination_status, execution_result, execution_error, execution_started_at,
         execution_completed_at, reviewed_by, review_notes, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		p.ID,
		p.AgentID,
		p.TargetAgentID,
		p.ParentProposalID,
		children,
		p.ActionName,
		p.Title,
		p.Description,
		string(p.Priority),
		p.Deadline,
		reasoning,
		proposed,
		modified,
		string(p.Status),
		string(p.CoordinationStatus),
		result,
		p.ExecutionError,
		p.ExecutionStartedAt,
		p.ExecutionCompletedAt,
		p.ReviewedBy,
		p.ReviewNotes,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrProposalConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入提案失败")
	}
	return nil
}

// Get 查询指定提案。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrProposalNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提案失败")
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*Proposal, error) {
	var p Proposal
	var children, reasoning, proposed, modified, result, description, reviewNotes, execError sql.NullString
	var priority, status, coordination string

	if err := row.Scan(
		&p.ID,
		&p.AgentID,
		&p.TargetAgentID,
		&p.ParentProposalID,
		&children,
		&p.ActionName,
		&p.Title,
		&description,
		&priority,
		&p.Deadline,
		&reasoning,
		&proposed,
		&modified,
		&status,
		&coordination,
		&result,
		&execError,
		&p.ExecutionStartedAt,
		&p.ExecutionCompletedAt,
		&p.ReviewedBy,
		&reviewNotes,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	p.Description = description.String
	p.ReviewNotes = reviewNotes.String
	p.ExecutionError = execError.String
	p.Priority = Priority(priority)
	p.Status = Status(status)
	p.CoordinationStatus = CoordinationStatus(coordination)

	if err := unmarshalJSON(children, &p.ChildProposalIDs); err != nil {
		return nil, fmt.Errorf("解析子提案列表失败: %w", err)
	}
	if err := unmarshalJSON(reasoning, &p.Reasoning); err != nil {
		return nil, fmt.Errorf("解析 reasoning 失败: %w", err)
	}
	if err := unmarshalJSON(proposed, &p.ProposedAction); err != nil {
		return nil, fmt.Errorf("解析 proposed_action 失败: %w", err)
	}
	if err := unmarshalJSON(modified, &p.ModifiedAction); err != nil {
		return nil, fmt.Errorf("解析 modified_action 失败: %w", err)
	}
	if result.Valid && result.String != "" {
		var value any
		if err := json.Unmarshal([]byte(result.String), &value); err != nil {
			return nil, fmt.Errorf("解析 execution_result 失败: %w", err)
		}
		p.ExecutionResult = value
	}
	return &p, nil
}

// UpdateStatus 执行条件状态迁移。
func (s *MySQLStore) UpdateStatus(ctx context.Context, id string, from, to Status, review *ReviewMeta) error {
	if !CanTransition(from, to) {
		return xerrors.New(CodeProposalConflict, "不允许的状态迁移",
			xerrors.WithMetadata("from", string(from)),
			xerrors.WithMetadata("to", string(to)))
	}

	now := time.Now().Unix()
	var res sql.Result
	var err error
	if review != nil {
		modified, marshalErr := marshalJSON(review.ModifiedAction)
		if marshalErr != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, marshalErr, "编码 modified_action 失败")
		}
		const stmt = `UPDATE proposals SET status = ?, reviewed_by = ?, review_notes = ?,
            modified_action = COALESCE(?, modified_action), updated_at = ?
            WHERE id = ? AND status = ?`
		res, err = s.db.ExecContext(ctx, stmt, string(to), review.ReviewedBy, review.Notes, modified, now, id, string(from))
	} else {
		const stmt = `UPDATE proposals SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
		res, err = s.db.ExecContext(ctx, stmt, string(to), now, id, string(from))
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新提案状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrProposalConflict
	}
	return nil
}

// BeginExecution 将已批准的提案置为执行中并返回最新状态。
func (s *MySQLStore) BeginExecution(ctx context.Context, id string) (*Proposal, error) {
	const stmt = `UPDATE proposals SET status = ?, execution_started_at = ?, updated_at = ?
        WHERE id = ? AND status = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, string(StatusExecuting), now, now, id, string(StatusApproved))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新提案状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		p, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return p, ErrProposalConflict
	}
	return s.Get(ctx, id)
}

// MarkCompleted 将提案标记为完成。
func (s *MySQLStore) MarkCompleted(ctx context.Context, id string, result any) error {
	encoded, err := marshalJSON(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 execution_result 失败")
	}
	const stmt = `UPDATE proposals SET status = ?, execution_result = ?, execution_error = '',
        execution_completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, string(StatusCompleted), encoded, now, now, id, string(StatusExecuting))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记提案完成失败")
	}
	return requireAffected(ctx, s, res, id)
}

// MarkFailed 将提案标记为失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	const stmt = `UPDATE proposals SET status = ?, execution_error = ?,
        execution_completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, string(StatusFailed), errMsg, now, now, id, string(StatusExecuting))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记提案失败失败")
	}
	return requireAffected(ctx, s, res, id)
}

func requireAffected(ctx context.Context, s *MySQLStore, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrProposalConflict
	}
	return nil
}

// AppendChild 在事务内将子提案 ID 追加到父提案的缓存列表。
func (s *MySQLStore) AppendChild(ctx context.Context, parentID, childID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	var raw sql.NullString
	row := tx.QueryRowContext(ctx, `SELECT child_proposal_ids FROM proposals WHERE id = ? FOR UPDATE`, parentID)
	if err := row.Scan(&raw); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ErrProposalNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取父提案失败")
	}

	var children []string
	if err := unmarshalJSON(raw, &children); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析子提案列表失败")
	}
	for _, existing := range children {
		if existing == childID {
			return tx.Commit()
		}
	}
	children = append(children, childID)
	encoded, err := marshalJSON(children)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码子提案列表失败")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE proposals SET child_proposal_ids = ?, updated_at = ? WHERE id = ?`,
		encoded, time.Now().Unix(), parentID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新子提案列表失败")
	}
	return tx.Commit()
}

// ListChildren 按 parent_proposal_id 扫描子提案。
func (s *MySQLStore) ListChildren(ctx context.Context, parentID string) ([]*Proposal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE parent_proposal_id = ? ORDER BY created_at ASC, id ASC`,
		parentID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询子提案失败")
	}
	defer rows.Close()

	children := make([]*Proposal, 0, 4)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析子提案失败")
		}
		children = append(children, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历子提案失败")
	}
	return children, nil
}

// SetCoordinationStatus 更新协调状态。
func (s *MySQLStore) SetCoordinationStatus(ctx context.Context, id string, status CoordinationStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE proposals SET coordination_status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新协调状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrProposalNotFound
	}
	return nil
}

// List 返回符合过滤条件的提案。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Proposal, error) {
	opts.applyDefaults()

	query := `SELECT ` + proposalColumns + ` FROM proposals`
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
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提案列表失败")
	}
	defer rows.Close()

	proposals := make([]*Proposal, 0, opts.Limit)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析提案记录失败")
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历提案失败")
	}
	return proposals, nil
}

// Stats 返回符合过滤条件的提案聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (ProposalStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS approved,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS executing,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS rejected,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS expired,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM proposals`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(StatusPending), string(StatusApproved), string(StatusExecuting),
		string(StatusCompleted), string(StatusFailed), string(StatusRejected), string(StatusExpired),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats ProposalStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Approved,
		&stats.Executing,
		&stats.Completed,
		&stats.Failed,
		&stats.Rejected,
		&stats.Expired,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return ProposalStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提案统计失败")
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

// CreateRecord 插入自治执行记录，写入时根据存储策略标记复查。
func (s *MySQLStore) CreateRecord(ctx context.Context, rec *ExecutionRecord) error {
	if rec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	rec.FlaggedForReview = shouldFlag(rec)

	params, err := marshalJSON(rec.ActionParams)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 action_params 失败")
	}
	result, err := marshalJSON(rec.Result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 result 失败")
	}
	violations, err := marshalJSON(rec.BoundsViolated)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 bounds_violated 失败")
	}

	const stmt = `INSERT INTO execution_records
        (id, agent_id, action_name, action_params, reasoning, confidence, result, error_message,
         duration_ms, within_bounds, bounds_violated, flagged_for_review, review_outcome, reviewed_by, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		rec.ID,
		rec.AgentID,
		rec.ActionName,
		params,
		rec.Reasoning,
		rec.Confidence,
		result,
		rec.ErrorMessage,
		rec.DurationMS,
		rec.WithinBounds,
		violations,
		rec.FlaggedForReview,
		rec.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "执行记录已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入执行记录失败")
	}
	return nil
}

const recordColumns = `id, agent_id, action_name, action_params, reasoning, confidence, result,
        error_message, duration_ms, within_bounds, bounds_violated, flagged_for_review,
        review_outcome, reviewed_by, created_at`

func scanRecord(row rowScanner) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	var params, result, violations, errMsg, reasoning sql.NullString
	var outcome string

	if err := row.Scan(
		&rec.ID,
		&rec.AgentID,
		&rec.ActionName,
		&params,
		&reasoning,
		&rec.Confidence,
		&result,
		&errMsg,
		&rec.DurationMS,
		&rec.WithinBounds,
		&violations,
		&rec.FlaggedForReview,
		&outcome,
		&rec.ReviewedBy,
		&rec.CreatedAt,
	); err != nil {
		return nil, err
	}

	rec.Reasoning = reasoning.String
	rec.ErrorMessage = errMsg.String
	rec.ReviewOutcome = ReviewOutcome(outcome)

	if err := unmarshalJSON(params, &rec.ActionParams); err != nil {
		return nil, fmt.Errorf("解析 action_params 失败: %w", err)
	}
	if result.Valid && result.String != "" {
		var value any
		if err := json.Unmarshal([]byte(result.String), &value); err != nil {
			return nil, fmt.Errorf("解析 result 失败: %w", err)
		}
		rec.Result = value
	}
	var recorded []bounds.Violation
	if err := unmarshalJSON(violations, &recorded); err != nil {
		return nil, fmt.Errorf("解析 bounds_violated 失败: %w", err)
	}
	rec.BoundsViolated = recorded
	return &rec, nil
}

// GetRecord 查询自治执行记录。
func (s *MySQLStore) GetRecord(ctx context.Context, id string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM execution_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	return rec, nil
}

// ListFlagged 返回被标记复查且尚未批注的记录。
func (s *MySQLStore) ListFlagged(ctx context.Context, limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM execution_records
         WHERE flagged_for_review = 1 AND review_outcome = '' ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待复查记录失败")
	}
	defer rows.Close()

	records := make([]*ExecutionRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return records, nil
}

// ReviewRecord 批注一条自治执行记录。
func (s *MySQLStore) ReviewRecord(ctx context.Context, id, reviewer string, outcome ReviewOutcome) error {
	if !IsValidReviewOutcome(outcome) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的判定取值")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_records SET review_outcome = ?, reviewed_by = ? WHERE id = ?`,
		string(outcome), reviewer, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "批注执行记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// CreateSuggestion 插入建议记录。
func (s *MySQLStore) CreateSuggestion(ctx context.Context, sg *Suggestion) error {
	if sg == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "suggestion 不能为空")
	}
	if strings.TrimSpace(sg.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "建议 ID 不能为空")
	}
	if sg.CreatedAt == 0 {
		sg.CreatedAt = time.Now().Unix()
	}
	params, err := marshalJSON(sg.Params)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码建议参数失败")
	}

	const stmt = `INSERT INTO suggestions
        (id, agent_id, action_name, params, title, description, explanation, confidence, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		sg.ID, sg.AgentID, sg.ActionName, params, sg.Title, sg.Description, sg.Explanation, sg.Confidence, sg.CreatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "建议已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入建议失败")
	}
	return nil
}

// ListSuggestions 返回最近的建议。
func (s *MySQLStore) ListSuggestions(ctx context.Context, limit int) ([]*Suggestion, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, action_name, params, title, description, explanation, confidence, created_at
         FROM suggestions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询建议列表失败")
	}
	defer rows.Close()

	suggestions := make([]*Suggestion, 0, limit)
	for rows.Next() {
		var sg Suggestion
		var params, description, explanation sql.NullString
		if err := rows.Scan(
			&sg.ID,
			&sg.AgentID,
			&sg.ActionName,
			&params,
			&sg.Title,
			&description,
			&explanation,
			&sg.Confidence,
			&sg.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析建议记录失败")
		}
		sg.Description = description.String
		sg.Explanation = explanation.String
		if err := unmarshalJSON(params, &sg.Params); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析建议参数失败")
		}
		suggestions = append(suggestions, &sg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历建议失败")
	}
	return suggestions, nil
}

func marshalJSON(value any) (sql.NullString, error) {
	if value == nil {
		return sql.NullString{}, nil
	}
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case []string:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case []bounds.Violation:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalJSON(raw sql.NullString, target any) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), target)
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
			args = append(args, string(status))
		}
	}
	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.TargetAgent != "" {
		conditions = append(conditions, "target_agent_id = ?")
		args = append(args, opts.TargetAgent)
	}
	if opts.ParentID != "" {
		conditions = append(conditions, "parent_proposal_id = ?")
		args = append(args, opts.ParentID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var (
	_ Store           = (*MySQLStore)(nil)
	_ RecordStore     = (*MySQLStore)(nil)
	_ SuggestionStore = (*MySQLStore)(nil)
)
