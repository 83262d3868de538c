// Package rbac defines path-prefix grants, the authorizer that evaluates
// them, and the audit trail every file-gateway decision leaves behind.
package rbac

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Grant allows a user to read and/or write under a path prefix.
type Grant struct {
	UserID     string `json:"user_id" yaml:"userId"`
	PathPrefix string `json:"path_prefix" yaml:"pathPrefix"`
	CanRead    bool   `json:"can_read" yaml:"canRead"`
	CanWrite   bool   `json:"can_write" yaml:"canWrite"`
}

// AuditRecord is one access decision, written before the backend operation.
type AuditRecord struct {
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
	Path      string    `json:"path"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// GrantStore is the grant persistence port.
type GrantStore interface {
	// EnsureSchema creates or migrates backend storage.
	EnsureSchema(ctx context.Context) error

	// SaveGrant upserts by (userID, pathPrefix).
	SaveGrant(ctx context.Context, g Grant) error

	// ListGrants returns all grants for a user.
	ListGrants(ctx context.Context, userID string) ([]Grant, error)

	// DeleteGrant removes a grant; absent grants are a no-op.
	DeleteGrant(ctx context.Context, userID, pathPrefix string) error
}

// AuditStore is the audit-trail persistence port.
type AuditStore interface {
	// EnsureSchema creates or migrates backend storage.
	EnsureSchema(ctx context.Context) error

	// Append persists one decision record.
	Append(ctx context.Context, rec AuditRecord) error

	// List returns records newest first, filtered by userID when non-empty,
	// capped by limit.
	List(ctx context.Context, userID string, limit int) ([]AuditRecord, error)
}

// Authorizer evaluates path access for a user.
type Authorizer interface {
	CanReadPath(ctx context.Context, userID, path string) (bool, error)
	CanWritePath(ctx context.Context, userID, path string) (bool, error)
}

// GrantAuthorizer evaluates grants with longest-prefix-wins semantics.
type GrantAuthorizer struct {
	grants GrantStore
}

// NewGrantAuthorizer builds an authorizer over the grant store.
func NewGrantAuthorizer(grants GrantStore) *GrantAuthorizer {
	return &GrantAuthorizer{grants: grants}
}

// CanReadPath reports whether the longest matching grant allows reads.
func (a *GrantAuthorizer) CanReadPath(ctx context.Context, userID, path string) (bool, error) {
	g, ok, err := a.match(ctx, userID, path)
	if err != nil {
		return false, err
	}
	return ok && g.CanRead, nil
}

// CanWritePath reports whether the longest matching grant allows writes.
func (a *GrantAuthorizer) CanWritePath(ctx context.Context, userID, path string) (bool, error) {
	g, ok, err := a.match(ctx, userID, path)
	if err != nil {
		return false, err
	}
	return ok && g.CanWrite, nil
}

func (a *GrantAuthorizer) match(ctx context.Context, userID, path string) (Grant, bool, error) {
	grants, err := a.grants.ListGrants(ctx, userID)
	if err != nil {
		return Grant{}, false, err
	}
	// Longest prefix wins so a narrow deny-by-omission overrides a broad grant.
	sort.Slice(grants, func(i, j int) bool {
		return len(grants[i].PathPrefix) > len(grants[j].PathPrefix)
	})
	for _, g := range grants {
		if PrefixMatches(g.PathPrefix, path) {
			return g, true, nil
		}
	}
	return Grant{}, false, nil
}

// PrefixMatches reports whether path falls under prefix on "/" boundaries.
// "/workspace/public" matches itself and "/workspace/public/notes.md" but
// not "/workspace/publicx".
func PrefixMatches(prefix, path string) bool {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return strings.HasPrefix(path, "/")
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

var _ Authorizer = (*GrantAuthorizer)(nil)
