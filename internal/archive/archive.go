// Package archive persists terminal task records to PostgreSQL. Redis holds
// the live queue with short TTLs; the archive is the durable history a
// session can be audited from after those keys expire.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/hivemind/internal/queue"
)

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates an archive over an existing pool.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{db: pool, logger: logger}
}

// Connect opens a pool against the DSN and pings it.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("archive store connected")
	return &Store{db: pool, logger: logger}, nil
}

// Migrate creates the task history table.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS task_history (
			id              TEXT PRIMARY KEY,
			session_id      TEXT NOT NULL,
			parent_agent_id TEXT NOT NULL DEFAULT '',
			role            TEXT NOT NULL DEFAULT '',
			description     TEXT NOT NULL,
			priority        TEXT NOT NULL,
			status          TEXT NOT NULL,
			result          TEXT NOT NULL DEFAULT '',
			error           TEXT NOT NULL DEFAULT '',
			worker_id       TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL,
			started_at      TIMESTAMPTZ,
			completed_at    TIMESTAMPTZ,
			archived_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_session
			ON task_history (session_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate task_history: %w", err)
	}
	return nil
}

// SaveTask upserts a task record. Re-archiving the same task id overwrites
// the earlier row, so late status observations stay idempotent.
func (s *Store) SaveTask(ctx context.Context, t *queue.Task) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO task_history
			(id, session_id, parent_agent_id, role, description, priority,
			 status, result, error, worker_id, created_at, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			worker_id = EXCLUDED.worker_id,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			archived_at = now()
	`, t.ID, t.SessionID, t.ParentAgentID, t.Role, t.Description, t.Priority,
		t.Status, t.Result, t.Error, t.WorkerID, t.CreatedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns an archived task, or nil when the id is unknown.
func (s *Store) GetTask(ctx context.Context, id string) (*queue.Task, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, session_id, parent_agent_id, role, description, priority,
		       status, result, error, worker_id, created_at, started_at, completed_at
		FROM task_history WHERE id = $1
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get archived task %s: %w", id, err)
	}
	return t, nil
}

// SessionHistory returns a session's archived tasks, oldest first.
func (s *Store) SessionHistory(ctx context.Context, sessionID string, limit int) ([]*queue.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, parent_agent_id, role, description, priority,
		       status, result, error, worker_id, created_at, started_at, completed_at
		FROM task_history WHERE session_id = $1
		ORDER BY created_at LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}
	defer rows.Close()

	var out []*queue.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}

// Run consumes the queue's update feed and archives every task that reaches
// a terminal state. It returns when ctx is cancelled or the feed closes.
func (s *Store) Run(ctx context.Context, q *queue.Queue, updates <-chan *queue.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if !u.Status.IsTerminal() {
				continue
			}
			t, err := q.GetTask(ctx, u.TaskID)
			if err != nil || t == nil {
				s.logger.Warn("archive fetch failed",
					zap.String("task", u.TaskID),
					zap.Error(err))
				continue
			}
			if err := s.SaveTask(ctx, t); err != nil {
				s.logger.Warn("archive save failed",
					zap.String("task", u.TaskID),
					zap.Error(err))
				continue
			}
			s.logger.Debug("task archived",
				zap.String("task", t.ID),
				zap.String("status", string(t.Status)))
		}
	}
}

func scanTask(row pgx.Row) (*queue.Task, error) {
	var t queue.Task
	var startedAt, completedAt *time.Time
	err := row.Scan(&t.ID, &t.SessionID, &t.ParentAgentID, &t.Role, &t.Description,
		&t.Priority, &t.Status, &t.Result, &t.Error, &t.WorkerID,
		&t.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.StartedAt = startedAt
	t.CompletedAt = completedAt
	return &t, nil
}
