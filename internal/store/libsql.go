package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/corvid-labs/weft/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/weft.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	cfg, err := marshalMapOrNil(wf.TriggerConfig)
	if err != nil {
		return fmt.Errorf("marshal trigger_config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, enabled, trigger_type, trigger_config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, boolInt(wf.Enabled), string(wf.TriggerType), cfg,
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var enabled int
	var triggerType string
	var cfg sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, enabled, trigger_type, trigger_config, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Name, &enabled, &triggerType, &cfg, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Enabled = enabled != 0
	wf.TriggerType = schema.TriggerType(triggerType)
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &wf.TriggerConfig); err != nil {
			return nil, fmt.Errorf("unmarshal trigger_config: %w", err)
		}
	}
	return wf, nil
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.TriggerType != nil {
		sets = append(sets, "trigger_type = ?")
		args = append(args, string(*update.TriggerType))
	}
	if update.TriggerConfig != nil {
		cfg, err := marshalMapOrNil(update.TriggerConfig)
		if err != nil {
			return fmt.Errorf("marshal trigger_config: %w", err)
		}
		sets = append(sets, "trigger_config = ?")
		args = append(args, cfg)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE workflows SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT id, name, enabled, trigger_type, trigger_config, created_at, updated_at FROM workflows`
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.TriggerType != nil {
		where = append(where, "trigger_type = ?")
		args = append(args, string(*filter.TriggerType))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var enabled int
		var triggerType string
		var cfg sql.NullString
		if err := rows.Scan(&wf.ID, &wf.Name, &enabled, &triggerType, &cfg, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Enabled = enabled != 0
		wf.TriggerType = schema.TriggerType(triggerType)
		if cfg.Valid && cfg.String != "" {
			_ = json.Unmarshal([]byte(cfg.String), &wf.TriggerConfig)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Versions ---

func (s *LibSQLStore) CreateVersion(ctx context.Context, workflowID string, graph []byte) (*WorkflowVersion, error) {
	// Single-connection store, so MAX+1 is race-free here.
	var next int
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_versions WHERE workflow_id = ?`, workflowID)
	if err := row.Scan(&next); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_versions (workflow_id, version, graph, created_at) VALUES (?, ?, ?, ?)`,
		workflowID, next, string(graph), now,
	)
	if err != nil {
		return nil, err
	}
	return &WorkflowVersion{WorkflowID: workflowID, Version: next, Graph: graph, CreatedAt: now}, nil
}

func (s *LibSQLStore) GetVersion(ctx context.Context, workflowID string, version int) (*WorkflowVersion, error) {
	v := &WorkflowVersion{}
	var graph string
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, version, graph, created_at FROM workflow_versions
		 WHERE workflow_id = ? AND version = ?`, workflowID, version,
	).Scan(&v.WorkflowID, &v.Version, &graph, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow version", fmt.Sprintf("%s@%d", workflowID, version))
	}
	if err != nil {
		return nil, err
	}
	v.Graph = []byte(graph)
	return v, nil
}

func (s *LibSQLStore) LatestVersion(ctx context.Context, workflowID string) (*WorkflowVersion, error) {
	v := &WorkflowVersion{}
	var graph string
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, version, graph, created_at FROM workflow_versions
		 WHERE workflow_id = ? ORDER BY version DESC LIMIT 1`, workflowID,
	).Scan(&v.WorkflowID, &v.Version, &graph, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow version", workflowID)
	}
	if err != nil {
		return nil, err
	}
	v.Graph = []byte(graph)
	return v, nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	input, err := marshalMessageOrNil(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := marshalMessageOrNil(exec.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, version, status, trigger_type, input, output, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.Version, string(exec.Status), nullStr(string(exec.TriggerType)),
		input, output, nullStr(exec.Error), timeOrNow(exec.StartedAt), nullTime(exec.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	exec := &Execution{}
	var status string
	var triggerType, input, output, errText sql.NullString
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, version, status, trigger_type, input, output, error, started_at, completed_at
		 FROM executions WHERE id = ?`, id,
	).Scan(&exec.ID, &exec.WorkflowID, &exec.Version, &status, &triggerType,
		&input, &output, &errText, &exec.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.TriggerType = schema.TriggerType(triggerType.String)
	exec.Error = errText.String
	exec.Input = unmarshalMessageOrNil(input)
	exec.Output = unmarshalMessageOrNil(output)
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		output, err := marshalMessageOrNil(update.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		sets = append(sets, "output = ?")
		args = append(args, output)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE executions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT id, workflow_id, version, status, trigger_type, input, output, error, started_at, completed_at FROM executions`
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec := &Execution{}
		var status string
		var triggerType, input, output, errText sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&exec.ID, &exec.WorkflowID, &exec.Version, &status, &triggerType,
			&input, &output, &errText, &exec.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		exec.Status = schema.ExecutionStatus(status)
		exec.TriggerType = schema.TriggerType(triggerType.String)
		exec.Error = errText.String
		exec.Input = unmarshalMessageOrNil(input)
		exec.Output = unmarshalMessageOrNil(output)
		if completedAt.Valid {
			exec.CompletedAt = &completedAt.Time
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// --- Node executions ---

func (s *LibSQLStore) CreateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	input, err := marshalMessageOrNil(ne.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := marshalMessageOrNil(ne.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_executions (id, execution_id, node_id, node_type, status, input, output, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ne.ID, ne.ExecutionID, ne.NodeID, string(ne.NodeType), string(ne.Status),
		input, output, nullStr(ne.Error), nullTime(ne.StartedAt), nullTime(ne.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateNodeExecution(ctx context.Context, id string, update NodeExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		output, err := marshalMessageOrNil(update.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		sets = append(sets, "output = ?")
		args = append(args, output)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE node_executions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "node execution", id)
}

func (s *LibSQLStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, node_type, status, input, output, error, started_at, completed_at
		 FROM node_executions WHERE execution_id = ? ORDER BY rowid`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeExecution
	for rows.Next() {
		ne := &NodeExecution{}
		var nodeType, status string
		var input, output, errText sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&ne.ID, &ne.ExecutionID, &ne.NodeID, &nodeType, &status,
			&input, &output, &errText, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		ne.NodeType = schema.NodeType(nodeType)
		ne.Status = schema.NodeStatus(status)
		ne.Error = errText.String
		ne.Input = unmarshalMessageOrNil(input)
		ne.Output = unmarshalMessageOrNil(output)
		if startedAt.Valid {
			ne.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			ne.CompletedAt = &completedAt.Time
		}
		nodes = append(nodes, ne)
	}
	return nodes, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.WeftError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrNil(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func marshalMessageOrNil(m *schema.Message) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalMessageOrNil(ns sql.NullString) *schema.Message {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m schema.Message
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil
	}
	return &m
}
