// Package fsbrowser implements the file-gateway storage port on a rooted
// local filesystem tree. Gateway paths are virtual absolute paths; the
// browser maps them under its root and never lets an operation escape it.
package fsbrowser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	pathpkg "path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"unicode/utf8"

	"runway/internal/server/app"
)

const (
	defaultReadLimit = 64 << 10
	maxReadLimit     = 1 << 20
)

// Browser serves gateway file operations from a root directory.
type Browser struct {
	root string
}

// New creates the root directory if needed and returns the browser.
func New(root string) (*Browser, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("fsbrowser root is required")
	}
	abs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", abs, err)
	}
	return &Browser{root: abs}, nil
}

// Root returns the canonical root path.
func (b *Browser) Root() string { return b.root }

// ListTree enumerates the immediate children of a directory, directories
// first, each group name-sorted.
func (b *Browser) ListTree(ctx context.Context, path string) ([]app.FileNode, error) {
	disk, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(disk)
	if err != nil {
		return nil, mapOSError("list", path, err)
	}

	nodes := make([]app.FileNode, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// Entry vanished between ReadDir and Stat.
			continue
		}
		node := app.FileNode{
			Name:    entry.Name(),
			Path:    pathpkg.Join(path, entry.Name()),
			IsDir:   entry.IsDir(),
			ModTime: info.ModTime(),
		}
		if !entry.IsDir() {
			node.Size = info.Size()
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].IsDir != nodes[j].IsDir {
			return nodes[i].IsDir
		}
		return nodes[i].Name < nodes[j].Name
	})
	return nodes, nil
}

// Download opens the file for streaming.
func (b *Browser) Download(ctx context.Context, path string) (io.ReadCloser, *app.FileNode, error) {
	disk, err := b.resolve(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(disk)
	if err != nil {
		return nil, nil, mapOSError("download", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, mapOSError("download", path, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, nil, app.ValidationError(fmt.Sprintf("download: %s is a directory", path))
	}
	node := &app.FileNode{
		Name:    info.Name(),
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	return f, node, nil
}

// ReadFile reads up to limit bytes from offset. UTF-8 windows come back
// as plain text, binary windows base64-encoded.
func (b *Browser) ReadFile(ctx context.Context, path string, offset, limit int64) (*app.ReadChunk, error) {
	disk, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if limit > maxReadLimit {
		limit = maxReadLimit
	}

	f, err := os.Open(disk)
	if err != nil {
		return nil, mapOSError("read", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, mapOSError("read", path, err)
	}
	if info.IsDir() {
		return nil, app.ValidationError(fmt.Sprintf("read: %s is a directory", path))
	}

	size := info.Size()
	if offset >= size {
		return &app.ReadChunk{Encoding: app.EncodingUTF8, NextOffset: offset}, nil
	}

	window := size - offset
	if window > limit {
		window = limit
	}
	buf := make([]byte, window)
	if _, err := io.ReadFull(io.NewSectionReader(f, offset, window), buf); err != nil {
		return nil, fmt.Errorf("read %s at offset %d: %w", path, offset, err)
	}

	chunk := &app.ReadChunk{
		NextOffset: offset + window,
		Truncated:  offset+window < size,
	}
	if utf8.Valid(buf) {
		chunk.Content = string(buf)
		chunk.Encoding = app.EncodingUTF8
	} else {
		chunk.Content = base64.StdEncoding.EncodeToString(buf)
		chunk.Encoding = app.EncodingBase64
	}
	return chunk, nil
}

// WriteFile creates or replaces the file, creating parent directories.
func (b *Browser) WriteFile(ctx context.Context, path, content, encoding string) error {
	disk, err := b.resolve(path)
	if err != nil {
		return err
	}

	data := []byte(content)
	if encoding == app.EncodingBase64 {
		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return app.ValidationError(fmt.Sprintf("write: %s content is not valid base64", path))
		}
		data = decoded
	}

	if info, err := os.Stat(disk); err == nil && info.IsDir() {
		return app.ConflictError(fmt.Sprintf("write: %s is a directory", path))
	}
	if err := os.MkdirAll(filepath.Dir(disk), 0o755); err != nil {
		return mapOSError("write", path, err)
	}
	if err := os.WriteFile(disk, data, 0o644); err != nil {
		return mapOSError("write", path, err)
	}
	return nil
}

// Rename moves a file or directory. Existing targets conflict.
func (b *Browser) Rename(ctx context.Context, fromPath, toPath string) error {
	from, err := b.resolve(fromPath)
	if err != nil {
		return err
	}
	to, err := b.resolve(toPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(from); err != nil {
		return mapOSError("rename", fromPath, err)
	}
	if _, err := os.Stat(to); err == nil {
		return app.ConflictError(fmt.Sprintf("rename: %s already exists", toPath))
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return mapOSError("rename", toPath, err)
	}
	if err := os.Rename(from, to); err != nil {
		return mapOSError("rename", fromPath, err)
	}
	return nil
}

// DeletePath removes a file or empty directory.
func (b *Browser) DeletePath(ctx context.Context, path string) error {
	disk, err := b.resolve(path)
	if err != nil {
		return err
	}
	if disk == b.root {
		return app.ValidationError("delete: cannot remove the root")
	}
	if err := os.Remove(disk); err != nil {
		return mapOSError("delete", path, err)
	}
	return nil
}

// Mkdir creates a directory, parents included.
func (b *Browser) Mkdir(ctx context.Context, path string) error {
	disk, err := b.resolve(path)
	if err != nil {
		return err
	}
	if info, err := os.Stat(disk); err == nil && !info.IsDir() {
		return app.ConflictError(fmt.Sprintf("mkdir: %s is a file", path))
	}
	if err := os.MkdirAll(disk, 0o755); err != nil {
		return mapOSError("mkdir", path, err)
	}
	return nil
}

// resolve maps the virtual absolute path under the root and rejects
// anything that would escape it.
func (b *Browser) resolve(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", app.ValidationError(fmt.Sprintf("path %s must be absolute", path))
	}
	cleaned := pathpkg.Clean(path)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", app.ValidationError(fmt.Sprintf("path %s escapes the root", path))
	}
	disk := filepath.Join(b.root, filepath.FromSlash(strings.TrimPrefix(cleaned, "/")))
	rel, err := filepath.Rel(b.root, disk)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", app.ValidationError(fmt.Sprintf("path %s escapes the root", path))
	}
	return disk, nil
}

func mapOSError(op, path string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return app.NotFoundError(fmt.Sprintf("%s: %s not found", op, path))
	case errors.Is(err, fs.ErrExist):
		return app.ConflictError(fmt.Sprintf("%s: %s already exists", op, path))
	case errors.Is(err, syscall.ENOTDIR):
		return app.ValidationError(fmt.Sprintf("%s: %s is not a directory", op, path))
	case errors.Is(err, syscall.ENOTEMPTY):
		return app.ConflictError(fmt.Sprintf("%s: %s is not empty", op, path))
	default:
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
}
