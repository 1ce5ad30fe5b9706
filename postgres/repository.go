// Package postgres implements task.Repository on PostgreSQL via pgx. Every
// state transition runs in a single transaction that locks the task row with
// SELECT ... FOR UPDATE, serializing concurrent worker callbacks per task.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskorch/taskorch/task"
)

//go:embed schema.sql
var schemaSQL string

// taskColumns is the scan order shared by every task query.
const taskColumns = `id, name, prompt, status, priority, scheduled_at, execute_after,
	started_at, completed_at, output, error_message, max_retries, retry_count,
	parent_task_id, chain_position, created_at, updated_at, created_by, metadata`

// execColumns is the scan order shared by every execution query.
const execColumns = `id, task_id, attempt_number, status, queued_at, started_at,
	completed_at, duration_ms, model_name, prompt_tokens, completion_tokens,
	total_tokens, output, error_message, error_type, worker_id, dispatch_id,
	execution_metadata, created_at`

// Repository is the pgx-backed task store.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

// WithClock overrides the clock; used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		r.now = now
	}
}

// NewRepository creates a Repository on the given pool.
func NewRepository(pool *pgxpool.Pool, opts ...Option) *Repository {
	r := &Repository{
		pool:   pool,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureSchema applies the embedded schema. Idempotent; safe to run at
// every startup.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity; used by the health endpoint.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// withTx runs fn in a transaction, rolling back on error or panic.
func (r *Repository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// Rollback after commit is a harmless no-op.
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t        task.Task
		status   string
		priority string
		metadata []byte
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.Prompt, &status, &priority, &t.ScheduledAt,
		&t.ExecuteAfter, &t.StartedAt, &t.CompletedAt, &t.Output,
		&t.ErrorMessage, &t.MaxRetries, &t.RetryCount, &t.ParentTaskID,
		&t.ChainPosition, &t.CreatedAt, &t.UpdatedAt, &t.CreatedBy, &metadata,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode task metadata: %w", err)
		}
	}
	return &t, nil
}

func scanExecution(row rowScanner) (*task.Execution, error) {
	var (
		e        task.Execution
		status   string
		metadata []byte
	)
	err := row.Scan(
		&e.ID, &e.TaskID, &e.AttemptNumber, &status, &e.QueuedAt,
		&e.StartedAt, &e.CompletedAt, &e.DurationMs, &e.ModelName,
		&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.Output,
		&e.ErrorMessage, &e.ErrorType, &e.WorkerID, &e.DispatchID,
		&metadata, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, task.ErrNoExecutions
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	e.Status = task.Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode execution metadata: %w", err)
		}
	}
	return &e, nil
}

func metadataJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// insertTask inserts one pending task within tx and returns the stored row.
func (r *Repository) insertTask(ctx context.Context, tx pgx.Tx, spec task.CreateSpec) (*task.Task, error) {
	priority := spec.Priority
	if priority == "" {
		priority = task.PriorityNormal
	}
	maxRetries := task.DefaultMaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}
	metadata, err := metadataJSON(spec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO tasks (name, prompt, priority, execute_after, max_retries,
			parent_task_id, created_by, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+taskColumns,
		spec.Name, spec.Prompt, string(priority), spec.ExecuteAfter,
		maxRetries, spec.ParentTaskID, spec.CreatedBy, metadata,
	)
	return scanTask(row)
}

// Create implements task.Repository.
func (r *Repository) Create(ctx context.Context, spec task.CreateSpec) (*task.Task, error) {
	var created *task.Task
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		created, err = r.insertTask(ctx, tx, spec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetByID implements task.Repository.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// lockTask loads the task row under FOR UPDATE for the duration of tx.
func (r *Repository) lockTask(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*task.Task, error) {
	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	return scanTask(row)
}

// buildListQuery assembles the WHERE clause shared by the page and count
// queries. Returned args line up with $1..$n placeholders.
func buildListQuery(f task.ListFilter) (where string, args []any) {
	var clauses []string
	if f.Status != nil {
		args = append(args, string(*f.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Query != "" {
		args = append(args, "%"+f.Query+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf(
			"(id::text ILIKE $%d OR name ILIKE $%d OR prompt ILIKE $%d OR output ILIKE $%d OR error_message ILIKE $%d)",
			n, n, n, n, n))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List implements task.Repository.
func (r *Repository) List(ctx context.Context, f task.ListFilter) ([]*task.Task, int, error) {
	where, args := buildListQuery(f)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	pageArgs := append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`SELECT %s FROM tasks%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		taskColumns, where, len(args)+1, len(args)+2)

	rows, err := r.pool.Query(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, total, nil
}

// ListExistingIDs implements task.Repository.
func (r *Repository) ListExistingIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]bool{}, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM tasks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("list existing ids: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]bool, len(ids))
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}
