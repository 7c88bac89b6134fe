package role

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store is a Postgres-backed role Provider.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a role store over a pgx connection pool.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Connect opens a pool, pings it, and returns a Store.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Store{pool: pool, logger: logger}, nil
}

// Migrate creates the roles table if missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS roles (
			name          TEXT PRIMARY KEY,
			system_prompt TEXT NOT NULL DEFAULT '',
			delegatable   BOOLEAN NOT NULL DEFAULT FALSE,
			capabilities  JSONB NOT NULL DEFAULT '[]',
			model         TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("migrate roles: %w", err)
	}
	return nil
}

// SaveRole upserts a role definition.
func (s *Store) SaveRole(ctx context.Context, r *Role) error {
	caps, _ := json.Marshal(r.Capabilities)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO roles (name, system_prompt, delegatable, capabilities, model)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			system_prompt = EXCLUDED.system_prompt,
			delegatable = EXCLUDED.delegatable,
			capabilities = EXCLUDED.capabilities,
			model = EXCLUDED.model,
			updated_at = NOW()`,
		r.Name, r.SystemPrompt, r.Delegatable, caps, r.Model)
	if err != nil {
		return fmt.Errorf("save role %s: %w", r.Name, err)
	}
	return nil
}

// GetRole retrieves a role by name. Returns (nil, nil) if unknown.
func (s *Store) GetRole(ctx context.Context, name string) (*Role, error) {
	r := &Role{}
	var caps []byte
	err := s.pool.QueryRow(ctx, `
		SELECT name, system_prompt, delegatable, capabilities, model
		FROM roles WHERE name = $1`, name,
	).Scan(&r.Name, &r.SystemPrompt, &r.Delegatable, &caps, &r.Model)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get role %s: %w", name, err)
	}
	_ = json.Unmarshal(caps, &r.Capabilities)
	return r, nil
}

// IsDelegatable reports whether subagents may be spawned with this role.
func (s *Store) IsDelegatable(ctx context.Context, name string) (bool, error) {
	var delegatable bool
	err := s.pool.QueryRow(ctx,
		`SELECT delegatable FROM roles WHERE name = $1`, name).Scan(&delegatable)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check role %s: %w", name, err)
	}
	return delegatable, nil
}

// ListRoles returns all defined roles ordered by name.
func (s *Store) ListRoles(ctx context.Context) ([]*Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, system_prompt, delegatable, capabilities, model
		FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		r := &Role{}
		var caps []byte
		if err := rows.Scan(&r.Name, &r.SystemPrompt, &r.Delegatable, &caps, &r.Model); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		_ = json.Unmarshal(caps, &r.Capabilities)
		roles = append(roles, r)
	}
	return roles, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
