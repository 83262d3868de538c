package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"runway/internal/domain/rbac"
)

// GrantStore is the in-memory rbac.GrantStore backend.
type GrantStore struct {
	mu     sync.RWMutex
	grants map[string]map[string]rbac.Grant
}

// NewGrantStore creates an empty in-memory grant store.
func NewGrantStore() *GrantStore {
	return &GrantStore{grants: make(map[string]map[string]rbac.Grant)}
}

// EnsureSchema is a no-op for the memory backend.
func (s *GrantStore) EnsureSchema(ctx context.Context) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if s == nil {
		return fmt.Errorf("grant store not initialized")
	}
	return nil
}

// SaveGrant upserts by (userID, pathPrefix).
func (s *GrantStore) SaveGrant(ctx context.Context, g rbac.Grant) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if s == nil {
		return fmt.Errorf("grant store not initialized")
	}
	if strings.TrimSpace(g.UserID) == "" || strings.TrimSpace(g.PathPrefix) == "" {
		return fmt.Errorf("user_id and path_prefix required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byPrefix, ok := s.grants[g.UserID]
	if !ok {
		byPrefix = make(map[string]rbac.Grant)
		s.grants[g.UserID] = byPrefix
	}
	byPrefix[g.PathPrefix] = g
	return nil
}

// ListGrants returns all grants for a user, ordered by path prefix.
func (s *GrantStore) ListGrants(ctx context.Context, userID string) ([]rbac.Grant, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s == nil {
		return nil, fmt.Errorf("grant store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	byPrefix := s.grants[userID]
	out := make([]rbac.Grant, 0, len(byPrefix))
	for _, g := range byPrefix {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PathPrefix < out[j].PathPrefix })
	return out, nil
}

// DeleteGrant removes a grant; absent grants are a no-op.
func (s *GrantStore) DeleteGrant(ctx context.Context, userID, pathPrefix string) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if s == nil {
		return fmt.Errorf("grant store not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if byPrefix, ok := s.grants[userID]; ok {
		delete(byPrefix, pathPrefix)
	}
	return nil
}

// AuditStore is the in-memory rbac.AuditStore backend.
type AuditStore struct {
	mu      sync.RWMutex
	records []rbac.AuditRecord
}

// NewAuditStore creates an empty in-memory audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// EnsureSchema is a no-op for the memory backend.
func (s *AuditStore) EnsureSchema(ctx context.Context) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if s == nil {
		return fmt.Errorf("audit store not initialized")
	}
	return nil
}

// Append persists one decision record.
func (s *AuditStore) Append(ctx context.Context, rec rbac.AuditRecord) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if s == nil {
		return fmt.Errorf("audit store not initialized")
	}
	if strings.TrimSpace(rec.UserID) == "" || strings.TrimSpace(rec.Action) == "" {
		return fmt.Errorf("user_id and action required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// List returns records newest first, filtered by userID when non-empty.
func (s *AuditStore) List(ctx context.Context, userID string, limit int) ([]rbac.AuditRecord, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s == nil {
		return nil, fmt.Errorf("audit store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rbac.AuditRecord, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.records[i]
		if userID != "" && rec.UserID != userID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

var (
	_ rbac.GrantStore = (*GrantStore)(nil)
	_ rbac.AuditStore = (*AuditStore)(nil)
)
