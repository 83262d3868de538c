package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"runway/internal/domain/rbac"
	"runway/internal/shared/logging"
)

const (
	rbacGrantsTable = "runway_rbac_grants"
	rbacAuditTable  = "runway_rbac_audit"
)

// GrantStore is the Postgres rbac.GrantStore backend.
type GrantStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewGrantStore constructs a Postgres-backed grant store.
func NewGrantStore(pool *pgxpool.Pool) *GrantStore {
	return &GrantStore{
		pool:   pool,
		logger: logging.NewComponentLogger("PostgresGrantStore"),
	}
}

// EnsureSchema creates the grants table if it does not exist.
func (s *GrantStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("grant store not initialized")
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    user_id TEXT NOT NULL,
    path_prefix TEXT NOT NULL,
    can_read BOOLEAN NOT NULL DEFAULT FALSE,
    can_write BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (user_id, path_prefix)
);`, rbacGrantsTable)
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure grant schema: %w", err)
	}
	return nil
}

// SaveGrant upserts by (userID, pathPrefix).
func (s *GrantStore) SaveGrant(ctx context.Context, g rbac.Grant) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("grant store not initialized")
	}
	if g.UserID == "" || g.PathPrefix == "" {
		return fmt.Errorf("user_id and path_prefix required")
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO `+rbacGrantsTable+` (user_id, path_prefix, can_read, can_write)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, path_prefix)
DO UPDATE SET can_read = EXCLUDED.can_read, can_write = EXCLUDED.can_write
`, g.UserID, g.PathPrefix, g.CanRead, g.CanWrite)
	if err != nil {
		return fmt.Errorf("save grant: %w", err)
	}
	return nil
}

// ListGrants returns all grants for a user, ordered by path prefix.
func (s *GrantStore) ListGrants(ctx context.Context, userID string) ([]rbac.Grant, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("grant store not initialized")
	}

	rows, err := s.pool.Query(ctx, `
SELECT user_id, path_prefix, can_read, can_write FROM `+rbacGrantsTable+`
WHERE user_id = $1 ORDER BY path_prefix
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var out []rbac.Grant
	for rows.Next() {
		var g rbac.Grant
		if err := rows.Scan(&g.UserID, &g.PathPrefix, &g.CanRead, &g.CanWrite); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeleteGrant removes a grant; absent grants are a no-op.
func (s *GrantStore) DeleteGrant(ctx context.Context, userID, pathPrefix string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("grant store not initialized")
	}
	_, err := s.pool.Exec(ctx, `
DELETE FROM `+rbacGrantsTable+` WHERE user_id = $1 AND path_prefix = $2
`, userID, pathPrefix)
	if err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	return nil
}

// AuditStore is the Postgres rbac.AuditStore backend.
type AuditStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewAuditStore constructs a Postgres-backed audit store.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{
		pool:   pool,
		logger: logging.NewComponentLogger("PostgresAuditStore"),
	}
}

// EnsureSchema creates the audit table if it does not exist.
func (s *AuditStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("audit store not initialized")
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id BIGSERIAL PRIMARY KEY,
    user_id TEXT NOT NULL,
    action TEXT NOT NULL,
    path TEXT NOT NULL DEFAULT '',
    allowed BOOLEAN NOT NULL DEFAULT FALSE,
    reason TEXT NOT NULL DEFAULT '',
    ts TIMESTAMPTZ NOT NULL DEFAULT now()
);`, rbacAuditTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user ON %s (user_id, id DESC);`, rbacAuditTable, rbacAuditTable),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure audit schema: %w", err)
		}
	}
	return nil
}

// Append persists one decision record.
func (s *AuditStore) Append(ctx context.Context, rec rbac.AuditRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("audit store not initialized")
	}
	if rec.UserID == "" || rec.Action == "" {
		return fmt.Errorf("user_id and action required")
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO `+rbacAuditTable+` (user_id, action, path, allowed, reason, ts)
VALUES ($1, $2, $3, $4, $5, $6)
`, rec.UserID, rec.Action, rec.Path, rec.Allowed, rec.Reason, rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// List returns records newest first, filtered by userID when non-empty.
func (s *AuditStore) List(ctx context.Context, userID string, limit int) ([]rbac.AuditRecord, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("audit store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
SELECT user_id, action, path, allowed, reason, ts FROM `+rbacAuditTable+`
WHERE ($1 = '' OR user_id = $1)
ORDER BY id DESC
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var out []rbac.AuditRecord
	for rows.Next() {
		var rec rbac.AuditRecord
		if err := rows.Scan(&rec.UserID, &rec.Action, &rec.Path, &rec.Allowed, &rec.Reason, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var (
	_ rbac.GrantStore = (*GrantStore)(nil)
	_ rbac.AuditStore = (*AuditStore)(nil)
)
