package app

import (
	"context"
	"fmt"
	"io"
	pathpkg "path"
	"strings"
	"time"

	"runway/internal/domain/rbac"
	"runway/internal/shared/logging"
)

// FileNode is one entry under the gateway's tree.
type FileNode struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// ReadChunk is one windowed read of a file.
type ReadChunk struct {
	Content    string `json:"content"`
	Encoding   string `json:"encoding"`
	NextOffset int64  `json:"nextOffset"`
	Truncated  bool   `json:"truncated"`
}

// Content encodings accepted by WriteFile and produced by ReadFile.
const (
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"
)

// FileBrowser is the storage port behind the gateway. Paths are absolute
// and forward-slash normalized; implementations own containment and map
// their failures onto the app error sentinels.
type FileBrowser interface {
	// ListTree enumerates the immediate children of a directory.
	ListTree(ctx context.Context, path string) ([]FileNode, error)

	// Download opens the file for streaming; the node carries name/size.
	Download(ctx context.Context, path string) (io.ReadCloser, *FileNode, error)

	// ReadFile reads up to limit bytes from offset.
	ReadFile(ctx context.Context, path string, offset, limit int64) (*ReadChunk, error)

	// WriteFile creates or replaces the file. Base64 content is decoded.
	WriteFile(ctx context.Context, path, content, encoding string) error

	// Rename moves a file or directory; existing targets conflict.
	Rename(ctx context.Context, fromPath, toPath string) error

	// DeletePath removes a file or empty directory.
	DeletePath(ctx context.Context, path string) error

	// Mkdir creates a directory, parents included.
	Mkdir(ctx context.Context, path string) error
}

// FileGateway fronts every file operation with an RBAC decision and an
// audit row. The row is written before the backend operation so denied
// and failed attempts are both on record.
type FileGateway struct {
	browser FileBrowser
	authz   rbac.Authorizer
	audit   rbac.AuditStore
	logger  logging.Logger
	now     func() time.Time
}

// NewFileGateway creates a gateway over the browser, authorizer and
// audit trail.
func NewFileGateway(browser FileBrowser, authz rbac.Authorizer, audit rbac.AuditStore, opts ...GatewayOption) *FileGateway {
	g := &FileGateway{
		browser: browser,
		authz:   authz,
		audit:   audit,
		logger:  logging.NewComponentLogger("FileGateway"),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// GatewayOption configures optional behavior.
type GatewayOption func(*FileGateway)

// WithGatewayLogger replaces the component logger.
func WithGatewayLogger(logger logging.Logger) GatewayOption {
	return func(g *FileGateway) {
		g.logger = logging.OrNop(logger)
	}
}

// WithGatewayClock injects a clock for tests.
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *FileGateway) {
		if now != nil {
			g.now = now
		}
	}
}

// ListTree lists a directory's immediate children.
func (g *FileGateway) ListTree(ctx context.Context, userID, path string) ([]FileNode, error) {
	path, err := g.normalize(userID, path)
	if err != nil {
		return nil, err
	}
	if err := g.authorize(ctx, userID, "list_tree", path, false, ""); err != nil {
		return nil, err
	}
	return g.browser.ListTree(ctx, path)
}

// Download opens the file for streaming.
func (g *FileGateway) Download(ctx context.Context, userID, path string) (io.ReadCloser, *FileNode, error) {
	path, err := g.normalize(userID, path)
	if err != nil {
		return nil, nil, err
	}
	if err := g.authorize(ctx, userID, "download", path, false, ""); err != nil {
		return nil, nil, err
	}
	return g.browser.Download(ctx, path)
}

// ReadFile reads a window of the file.
func (g *FileGateway) ReadFile(ctx context.Context, userID, path string, offset, limit int64) (*ReadChunk, error) {
	path, err := g.normalize(userID, path)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, ValidationError("offset must be >= 0")
	}
	if err := g.authorize(ctx, userID, "read_file", path, false, ""); err != nil {
		return nil, err
	}
	return g.browser.ReadFile(ctx, path, offset, limit)
}

// WriteFile creates or replaces the file.
func (g *FileGateway) WriteFile(ctx context.Context, userID, path, content, encoding string) error {
	path, err := g.normalize(userID, path)
	if err != nil {
		return err
	}
	switch encoding {
	case "", EncodingUTF8, EncodingBase64:
	default:
		return ValidationError(fmt.Sprintf("unsupported encoding %q", encoding))
	}
	if err := g.authorize(ctx, userID, "write_file", path, true, ""); err != nil {
		return err
	}
	return g.browser.WriteFile(ctx, path, content, encoding)
}

// Rename moves a file or directory. Write access is required on both
// ends; each checked path gets its own audit row naming the counterpart.
func (g *FileGateway) Rename(ctx context.Context, userID, fromPath, toPath string) error {
	fromPath, err := g.normalize(userID, fromPath)
	if err != nil {
		return err
	}
	toPath, err = g.normalize(userID, toPath)
	if err != nil {
		return err
	}
	if fromPath == toPath {
		return ValidationError("rename source and target are the same path")
	}
	if err := g.authorize(ctx, userID, "rename", fromPath, true, "rename target "+toPath); err != nil {
		return err
	}
	if err := g.authorize(ctx, userID, "rename", toPath, true, "rename source "+fromPath); err != nil {
		return err
	}
	return g.browser.Rename(ctx, fromPath, toPath)
}

// DeletePath removes a file or empty directory.
func (g *FileGateway) DeletePath(ctx context.Context, userID, path string) error {
	path, err := g.normalize(userID, path)
	if err != nil {
		return err
	}
	if err := g.authorize(ctx, userID, "delete", path, true, ""); err != nil {
		return err
	}
	return g.browser.DeletePath(ctx, path)
}

// Mkdir creates a directory.
func (g *FileGateway) Mkdir(ctx context.Context, userID, path string) error {
	path, err := g.normalize(userID, path)
	if err != nil {
		return err
	}
	if err := g.authorize(ctx, userID, "mkdir", path, true, ""); err != nil {
		return err
	}
	return g.browser.Mkdir(ctx, path)
}

// normalize validates the caller and cleans the path to an absolute,
// forward-slash form.
func (g *FileGateway) normalize(userID, path string) (string, error) {
	if g == nil || g.browser == nil || g.authz == nil || g.audit == nil {
		return "", UnavailableError("file gateway not initialized")
	}
	if strings.TrimSpace(userID) == "" {
		return "", ValidationError("userId is required")
	}
	path = strings.TrimSpace(strings.ReplaceAll(path, "\\", "/"))
	if path == "" || !strings.HasPrefix(path, "/") {
		return "", ValidationError("path must be absolute")
	}
	return pathpkg.Clean(path), nil
}

// authorize evaluates the grant, writes the audit row, and rejects the
// operation when the decision or the audit write fails.
func (g *FileGateway) authorize(ctx context.Context, userID, action, path string, write bool, reason string) error {
	var (
		allowed bool
		err     error
	)
	if write {
		allowed, err = g.authz.CanWritePath(ctx, userID, path)
	} else {
		allowed, err = g.authz.CanReadPath(ctx, userID, path)
	}
	if err != nil {
		return fmt.Errorf("evaluate access for %s on %s: %w", userID, path, err)
	}

	rec := rbac.AuditRecord{
		UserID:    userID,
		Action:    action,
		Path:      path,
		Allowed:   allowed,
		Reason:    reason,
		Timestamp: g.now(),
	}
	if err := g.audit.Append(ctx, rec); err != nil {
		// No unaudited operations.
		return fmt.Errorf("append audit record: %w", err)
	}

	if !allowed {
		g.logger.Warn("[Gateway] %s denied %s on %s", userID, action, path)
		return ForbiddenError(fmt.Sprintf("user %s may not %s %s", userID, action, path))
	}
	return nil
}
