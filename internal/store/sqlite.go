package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agor-dev/agor/internal/models"
)

// SQLiteStore implements Store against a local SQLite file via
// modernc.org/sqlite (a cgo-free driver, matching single-binary
// deployments that embed everything into the agord process).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path (or ":memory:" for an ephemeral database) and
// verifies connectivity before returning.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// SQLite serializes writers internally; a single open connection avoids
	// "database is locked" errors under concurrent access from this process.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	modelCfg, _ := json.Marshal(sess.ModelConfig)
	permCfg, _ := json.Marshal(sess.PermissionConfig)
	genealogy, _ := json.Marshal(sess.Genealogy)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, worktree_id, agentic_tool, status, model_config,
			permission_config, sdk_session_id, mcp_token, genealogy,
			created_by, created_at, last_updated
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		sess.SessionID, sess.WorktreeID, sess.AgenticTool, sess.Status,
		modelCfg, permCfg, sess.SDKSessionID, sess.MCPToken, genealogy,
		sess.CreatedBy, sess.CreatedAt, sess.LastUpdated,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("sqlite: create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, worktree_id, agentic_tool, status, model_config,
		       permission_config, sdk_session_id, mcp_token, genealogy,
		       created_by, created_at, last_updated
		FROM sessions WHERE session_id = ?
	`, sessionID)

	var sess models.Session
	var modelCfg, permCfg, genealogy []byte
	if err := row.Scan(
		&sess.SessionID, &sess.WorktreeID, &sess.AgenticTool, &sess.Status, &modelCfg,
		&permCfg, &sess.SDKSessionID, &sess.MCPToken, &genealogy,
		&sess.CreatedBy, &sess.CreatedAt, &sess.LastUpdated,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get session: %w", err)
	}
	json.Unmarshal(modelCfg, &sess.ModelConfig)
	json.Unmarshal(permCfg, &sess.PermissionConfig)
	json.Unmarshal(genealogy, &sess.Genealogy)
	return &sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	modelCfg, _ := json.Marshal(sess.ModelConfig)
	permCfg, _ := json.Marshal(sess.PermissionConfig)
	genealogy, _ := json.Marshal(sess.Genealogy)

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			worktree_id = ?, agentic_tool = ?, status = ?, model_config = ?,
			permission_config = ?, sdk_session_id = ?, mcp_token = ?,
			genealogy = ?, last_updated = ?
		WHERE session_id = ?
	`,
		sess.WorktreeID, sess.AgenticTool, sess.Status, modelCfg, permCfg,
		sess.SDKSessionID, sess.MCPToken, genealogy, sess.LastUpdated, sess.SessionID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update session: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: delete session: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("sqlite: cascade delete messages: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, opts SessionListOptions) ([]*models.Session, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT session_id FROM sessions WHERE 1=1`)
	var args []any
	if opts.WorktreeID != "" {
		query.WriteString(" AND worktree_id = ?")
		args = append(args, opts.WorktreeID)
	}
	if opts.Status != "" {
		query.WriteString(" AND status = ?")
		args = append(args, opts.Status)
	}
	query.WriteString(" ORDER BY created_at ASC")
	if opts.Limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query.WriteString(" OFFSET ?")
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan session id: %w", err)
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

func (s *SQLiteStore) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE session_id = ?)`, sessionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: session exists: %w", err)
	}
	return exists == 1, nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task *models.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, session_id, status, model, created_at, created_by)
		VALUES (?,?,?,?,?,?)
	`, task.TaskID, task.SessionID, task.Status, task.Model, task.CreatedAt, task.CreatedBy)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("sqlite: create task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, session_id, status, model, raw_sdk_response,
		       normalized_sdk_response, computed_context_window, created_at,
		       completed_at, created_by
		FROM tasks WHERE task_id = ?
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
		return nil, fmt.Errorf("sqlite: get task: %w", err)
	}
	task.RawSdkResponse = raw
	if len(normalized) > 0 {
		var n models.NormalizedSdkData
		if err := json.Unmarshal(normalized, &n); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal normalized_sdk_response: %w", err)
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

func (s *SQLiteStore) UpdateTask(ctx context.Context, task *models.Task) error {
	var normalized []byte
	if task.NormalizedSdkResponse != nil {
		var err error
		normalized, err = json.Marshal(task.NormalizedSdkResponse)
		if err != nil {
			return fmt.Errorf("sqlite: marshal normalized_sdk_response: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?, raw_sdk_response = ?, normalized_sdk_response = ?,
			computed_context_window = ?, completed_at = ?
		WHERE task_id = ?
	`, task.Status, task.RawSdkResponse, normalized, task.ComputedContextWindow, task.CompletedAt, task.TaskID)
	if err != nil {
		return fmt.Errorf("sqlite: update task: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, opts TaskListOptions) ([]*models.Task, error) {
	filters := strings.Builder{}
	var args []any
	if opts.SessionID != "" {
		filters.WriteString(" AND session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.Status != "" {
		filters.WriteString(" AND status = ?")
		args = append(args, opts.Status)
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
				ORDER BY created_at DESC LIMIT ?
			) recent ORDER BY created_at ASC
		`, filters.String())
	} else {
		query = fmt.Sprintf(`SELECT task_id FROM tasks WHERE 1=1%s ORDER BY created_at ASC`, filters.String())
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan task id: %w", err)
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

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("sqlite: marshal content: %w", err)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (
			message_id, session_id, task_id, "index", role, content,
			content_preview, parent_tool_use_id, metadata, timestamp
		) VALUES (?,?,?,?,?,?,?,?,?,?)
	`,
		msg.MessageID, msg.SessionID, msg.TaskID, msg.Index, msg.Role,
		content, msg.ContentPreview, msg.ParentToolUseID, metadata, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("sqlite: append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	query := `
		SELECT message_id, session_id, task_id, "index", role, content,
		       content_preview, parent_tool_use_id, metadata, timestamp
		FROM messages WHERE session_id = ? ORDER BY "index" ASC
	`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var content, metadata []byte
		if err := rows.Scan(
			&m.MessageID, &m.SessionID, &m.TaskID, &m.Index, &m.Role, &content,
			&m.ContentPreview, &m.ParentToolUseID, &metadata, &m.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		json.Unmarshal(content, &m.Content)
		json.Unmarshal(metadata, &m.Metadata)
		out = append(out, &m)
	}
	return out, nil
}

func (s *SQLiteStore) LastMessageIndex(ctx context.Context, sessionID string) (int64, bool, error) {
	var index sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX("index") FROM messages WHERE session_id = ?`, sessionID).Scan(&index)
	if err != nil {
		return 0, false, fmt.Errorf("sqlite: last message index: %w", err)
	}
	if !index.Valid {
		return 0, false, nil
	}
	return index.Int64, true, nil
}

func isSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

var _ Store = (*SQLiteStore)(nil)
