package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/agor-dev/agor/internal/models"
)

// PostgresConfig tunes the pooled connection postgres.Open establishes.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sane pool defaults for a daemon process.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnectTimeout:  5 * time.Second,
	}
}

// PostgresStore implements Store against a Postgres database via lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens dsn, applies config's pool limits, and verifies
// connectivity with a bounded ping before returning.
func NewPostgresStore(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.Session) error {
	modelCfg, err := json.Marshal(sess.ModelConfig)
	if err != nil {
		return fmt.Errorf("marshal model_config: %w", err)
	}
	permCfg, err := json.Marshal(sess.PermissionConfig)
	if err != nil {
		return fmt.Errorf("marshal permission_config: %w", err)
	}
	genealogy, err := json.Marshal(sess.Genealogy)
	if err != nil {
		return fmt.Errorf("marshal genealogy: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, worktree_id, agentic_tool, status, model_config,
			permission_config, sdk_session_id, mcp_token, genealogy,
			created_by, created_at, last_updated
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		sess.SessionID, nullString(sess.WorktreeID), sess.AgenticTool, sess.Status,
		modelCfg, permCfg, nullString(sess.SDKSessionID), nullString(sess.MCPToken),
		genealogy, sess.CreatedBy, sess.CreatedAt, sess.LastUpdated,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, worktree_id, agentic_tool, status, model_config,
		       permission_config, sdk_session_id, mcp_token, genealogy,
		       created_by, created_at, last_updated
		FROM sessions WHERE session_id = $1
	`, sessionID)

	var sess models.Session
	var worktreeID, sdkSessionID, mcpToken sql.NullString
	var modelCfg, permCfg, genealogy []byte
	if err := row.Scan(
		&sess.SessionID, &worktreeID, &sess.AgenticTool, &sess.Status, &modelCfg,
		&permCfg, &sdkSessionID, &mcpToken, &genealogy,
		&sess.CreatedBy, &sess.CreatedAt, &sess.LastUpdated,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get session: %w", err)
	}
	sess.WorktreeID = worktreeID.String
	sess.SDKSessionID = sdkSessionID.String
	sess.MCPToken = mcpToken.String
	if err := json.Unmarshal(modelCfg, &sess.ModelConfig); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal model_config: %w", err)
	}
	if err := json.Unmarshal(permCfg, &sess.PermissionConfig); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal permission_config: %w", err)
	}
	if err := json.Unmarshal(genealogy, &sess.Genealogy); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal genealogy: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	modelCfg, _ := json.Marshal(sess.ModelConfig)
	permCfg, _ := json.Marshal(sess.PermissionConfig)
	genealogy, _ := json.Marshal(sess.Genealogy)

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			worktree_id = $2, agentic_tool = $3, status = $4, model_config = $5,
			permission_config = $6, sdk_session_id = $7, mcp_token = $8,
			genealogy = $9, last_updated = $10
		WHERE session_id = $1
	`,
		sess.SessionID, nullString(sess.WorktreeID), sess.AgenticTool, sess.Status,
		modelCfg, permCfg, nullString(sess.SDKSessionID), nullString(sess.MCPToken),
		genealogy, sess.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("postgres: update session: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("postgres: delete session: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("postgres: cascade delete messages: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, opts SessionListOptions) ([]*models.Session, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT session_id FROM sessions WHERE 1=1`)
	var args []any
	if opts.WorktreeID != "" {
		args = append(args, opts.WorktreeID)
		fmt.Fprintf(&query, " AND worktree_id = $%d", len(args))
	}
	if opts.Status != "" {
		args = append(args, opts.Status)
		fmt.Fprintf(&query, " AND status = $%d", len(args))
	}
	query.WriteString(" ORDER BY created_at ASC")
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&query, " LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&query, " OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan session id: %w", err)
		}
		ids = append(ids, id)
	}

	out := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *PostgresStore) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE session_id = $1)`, sessionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: session exists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, session_id, status, model, created_at, created_by)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, task.TaskID, task.SessionID, task.Status, task.Model, task.CreatedAt, task.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, session_id, status, model, raw_sdk_response,
		       normalized_sdk_response, computed_context_window, created_at,
		       completed_at, created_by
		FROM tasks WHERE task_id = $1
	`, taskID)

	var task models.Task
	var raw, normalized []byte
	var contextWindow sql.NullInt64
	var completedAt sql.NullTime
	if err := row.Scan(
		&task.TaskID, &task.SessionID, &task.Status, &task.Model, &raw,
		&normalized, &contextWindow, &task.CreatedAt, &completedAt, &task.CreatedBy,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get task: %w", err)
	}
	task.RawSdkResponse = raw
	if len(normalized) > 0 {
		var n models.NormalizedSdkData
		if err := json.Unmarshal(normalized, &n); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal normalized_sdk_response: %w", err)
		}
		task.NormalizedSdkResponse = &n
	}
	if contextWindow.Valid {
		task.ComputedContextWindow = &contextWindow.Int64
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return &task, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task *models.Task) error {
	var normalized []byte
	if task.NormalizedSdkResponse != nil {
		var err error
		normalized, err = json.Marshal(task.NormalizedSdkResponse)
		if err != nil {
			return fmt.Errorf("postgres: marshal normalized_sdk_response: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = $2, raw_sdk_response = $3, normalized_sdk_response = $4,
			computed_context_window = $5, completed_at = $6
		WHERE task_id = $1
	`, task.TaskID, task.Status, task.RawSdkResponse, normalized, task.ComputedContextWindow, task.CompletedAt)
	if err != nil {
		return fmt.Errorf("postgres: update task: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, opts TaskListOptions) ([]*models.Task, error) {
	filters := strings.Builder{}
	var args []any
	if opts.SessionID != "" {
		args = append(args, opts.SessionID)
		fmt.Fprintf(&filters, " AND session_id = $%d", len(args))
	}
	if opts.Status != "" {
		args = append(args, opts.Status)
		fmt.Fprintf(&filters, " AND status = $%d", len(args))
	}

	// A bounded listing must return the most recent Limit tasks, still in
	// chronological order: the subquery takes the newest rows, the outer
	// ORDER BY restores chronology.
	var query string
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query = fmt.Sprintf(`
			SELECT task_id FROM (
				SELECT task_id, created_at FROM tasks WHERE 1=1%s
				ORDER BY created_at DESC LIMIT $%d
			) recent ORDER BY created_at ASC
		`, filters.String(), len(args))
	} else {
		query = fmt.Sprintf(`SELECT task_id FROM tasks WHERE 1=1%s ORDER BY created_at ASC`, filters.String())
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan task id: %w", err)
		}
		ids = append(ids, id)
	}

	out := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("postgres: marshal content: %w", err)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (
			message_id, session_id, task_id, index, role, content,
			content_preview, parent_tool_use_id, metadata, timestamp
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		msg.MessageID, msg.SessionID, nullString(msg.TaskID), msg.Index, msg.Role,
		content, msg.ContentPreview, nullString(msg.ParentToolUseID), metadata, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	query := `
		SELECT message_id, session_id, task_id, index, role, content,
		       content_preview, parent_tool_use_id, metadata, timestamp
		FROM messages WHERE session_id = $1 ORDER BY index ASC
	`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var taskID, parentToolUseID sql.NullString
		var content, metadata []byte
		if err := rows.Scan(
			&m.MessageID, &m.SessionID, &taskID, &m.Index, &m.Role, &content,
			&m.ContentPreview, &parentToolUseID, &metadata, &m.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		m.TaskID = taskID.String
		m.ParentToolUseID = parentToolUseID.String
		if err := json.Unmarshal(content, &m.Content); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal content: %w", err)
		}
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal metadata: %w", err)
		}
		out = append(out, &m)
	}
	return out, nil
}

func (s *PostgresStore) LastMessageIndex(ctx context.Context, sessionID string) (int64, bool, error) {
	var index sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(index) FROM messages WHERE session_id = $1`, sessionID).Scan(&index)
	if err != nil {
		return 0, false, fmt.Errorf("postgres: last message index: %w", err)
	}
	if !index.Valid {
		return 0, false, nil
	}
	return index.Int64, true, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok && pqErr.Code == "23505" {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate")
}

func asPQError(err error, target **pq.Error) bool {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return false
	}
	*target = pqErr
	return true
}

var _ Store = (*PostgresStore)(nil)
