package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"runway/internal/domain/rbac"
	"runway/internal/store/memory"
)

func newTestGateway(t *testing.T, grants ...rbac.Grant) (*FileGateway, *fakeBrowser, *memory.AuditStore) {
	t.Helper()
	grantStore := memory.NewGrantStore()
	for _, g := range grants {
		if err := grantStore.SaveGrant(context.Background(), g); err != nil {
			t.Fatalf("SaveGrant failed: %v", err)
		}
	}
	audit := memory.NewAuditStore()
	browser := &fakeBrowser{}
	gw := NewFileGateway(browser, rbac.NewGrantAuthorizer(grantStore), audit)
	return gw, browser, audit
}

func TestWriteFileRBAC(t *testing.T) {
	gw, browser, audit := newTestGateway(t, rbac.Grant{
		UserID: "u-alice", PathPrefix: "/workspace/public", CanRead: true, CanWrite: true,
	})

	if err := gw.WriteFile(context.Background(), "u-alice", "/workspace/public/notes.md", "hello", ""); err != nil {
		t.Fatalf("WriteFile inside the grant failed: %v", err)
	}

	err := gw.WriteFile(context.Background(), "u-alice", "/workspace/private/deny.txt", "nope", "")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("Expected forbidden outside the grant, got %v", err)
	}

	// The denial never reached the backend.
	if got := browser.calls(); !equalStrings(got, []string{"write /workspace/public/notes.md"}) {
		t.Errorf("Unexpected backend calls %v", got)
	}

	// Both decisions are on record.
	records, err := audit.List(context.Background(), "u-alice", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 audit rows, got %d", len(records))
	}
	byPath := map[string]rbac.AuditRecord{}
	for _, rec := range records {
		byPath[rec.Path] = rec
	}
	allow := byPath["/workspace/public/notes.md"]
	if !allow.Allowed || allow.Action != "write_file" {
		t.Errorf("Expected an allowed write_file row, got %+v", allow)
	}
	deny := byPath["/workspace/private/deny.txt"]
	if deny.Allowed || deny.Action != "write_file" {
		t.Errorf("Expected a denied write_file row, got %+v", deny)
	}
}

func TestReadAndWriteGrantsAreIndependent(t *testing.T) {
	gw, _, _ := newTestGateway(t,
		rbac.Grant{UserID: "u-reader", PathPrefix: "/workspace", CanRead: true},
		rbac.Grant{UserID: "u-writer", PathPrefix: "/workspace", CanWrite: true},
	)

	if _, err := gw.ReadFile(context.Background(), "u-reader", "/workspace/a.txt", 0, 100); err != nil {
		t.Errorf("Read with a read grant failed: %v", err)
	}
	if err := gw.WriteFile(context.Background(), "u-reader", "/workspace/a.txt", "x", ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected write denied for a read-only grant, got %v", err)
	}

	if err := gw.WriteFile(context.Background(), "u-writer", "/workspace/a.txt", "x", ""); err != nil {
		t.Errorf("Write with a write grant failed: %v", err)
	}
	if _, err := gw.ReadFile(context.Background(), "u-writer", "/workspace/a.txt", 0, 100); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected read denied for a write-only grant, got %v", err)
	}
}

func TestLongestPrefixWins(t *testing.T) {
	gw, _, _ := newTestGateway(t,
		rbac.Grant{UserID: "u-dev", PathPrefix: "/workspace", CanRead: true, CanWrite: true},
		rbac.Grant{UserID: "u-dev", PathPrefix: "/workspace/secrets", CanRead: true},
	)

	if err := gw.WriteFile(context.Background(), "u-dev", "/workspace/app/main.go", "x", ""); err != nil {
		t.Errorf("Write under the broad grant failed: %v", err)
	}
	if err := gw.WriteFile(context.Background(), "u-dev", "/workspace/secrets/key.pem", "x", ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("The narrow read-only grant must win, got %v", err)
	}
	if _, err := gw.ReadFile(context.Background(), "u-dev", "/workspace/secrets/key.pem", 0, 10); err != nil {
		t.Errorf("Read under the narrow grant failed: %v", err)
	}
}

func TestRenameAuditsBothPaths(t *testing.T) {
	gw, browser, audit := newTestGateway(t, rbac.Grant{
		UserID: "u-alice", PathPrefix: "/workspace", CanRead: true, CanWrite: true,
	})

	if err := gw.Rename(context.Background(), "u-alice", "/workspace/a.txt", "/workspace/b.txt"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if got := browser.calls(); !equalStrings(got, []string{"rename /workspace/a.txt -> /workspace/b.txt"}) {
		t.Errorf("Unexpected backend calls %v", got)
	}

	records, err := audit.List(context.Background(), "u-alice", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected one audit row per checked path, got %d", len(records))
	}
	byPath := map[string]rbac.AuditRecord{}
	for _, rec := range records {
		if rec.Action != "rename" || !rec.Allowed {
			t.Errorf("Expected an allowed rename row, got %+v", rec)
		}
		byPath[rec.Path] = rec
	}
	if got := byPath["/workspace/a.txt"].Reason; got != "rename target /workspace/b.txt" {
		t.Errorf("Source row must name the target, got %q", got)
	}
	if got := byPath["/workspace/b.txt"].Reason; got != "rename source /workspace/a.txt" {
		t.Errorf("Target row must name the source, got %q", got)
	}
}

func TestRenameDeniedTargetShortCircuits(t *testing.T) {
	gw, browser, audit := newTestGateway(t,
		rbac.Grant{UserID: "u-alice", PathPrefix: "/workspace", CanRead: true, CanWrite: true},
		rbac.Grant{UserID: "u-alice", PathPrefix: "/workspace/locked", CanRead: true},
	)

	err := gw.Rename(context.Background(), "u-alice", "/workspace/a.txt", "/workspace/locked/a.txt")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("Expected forbidden, got %v", err)
	}
	if got := browser.calls(); len(got) != 0 {
		t.Errorf("Denied rename must not reach the backend, got %v", got)
	}

	records, _ := audit.List(context.Background(), "u-alice", 10)
	if len(records) != 2 {
		t.Fatalf("Expected source-allowed and target-denied rows, got %d", len(records))
	}
	var sawAllowed, sawDenied bool
	for _, rec := range records {
		if rec.Path == "/workspace/a.txt" && rec.Allowed {
			sawAllowed = true
		}
		if rec.Path == "/workspace/locked/a.txt" && !rec.Allowed {
			sawDenied = true
		}
	}
	if !sawAllowed || !sawDenied {
		t.Errorf("Audit rows incomplete: %+v", records)
	}
}

func TestRenameSamePath(t *testing.T) {
	gw, _, _ := newTestGateway(t, rbac.Grant{
		UserID: "u-alice", PathPrefix: "/", CanRead: true, CanWrite: true,
	})
	err := gw.Rename(context.Background(), "u-alice", "/workspace/a.txt", "/workspace/sub/../a.txt")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Expected validation error for a self rename, got %v", err)
	}
}

func TestPathNormalization(t *testing.T) {
	gw, browser, _ := newTestGateway(t, rbac.Grant{
		UserID: "u-alice", PathPrefix: "/workspace/public", CanRead: true, CanWrite: true,
	})

	// Backslashes and dot segments normalize before the grant check.
	if err := gw.WriteFile(context.Background(), "u-alice", `\workspace\public\notes.md`, "x", ""); err != nil {
		t.Errorf("Backslash path failed: %v", err)
	}
	if err := gw.WriteFile(context.Background(), "u-alice", "/workspace/public/sub/../notes.md", "x", ""); err != nil {
		t.Errorf("Dot-segment path failed: %v", err)
	}
	for _, call := range browser.calls() {
		if call != "write /workspace/public/notes.md" {
			t.Errorf("Expected the normalized path, got %q", call)
		}
	}

	// Escaping the grant via dot segments is caught by the cleaned path.
	err := gw.WriteFile(context.Background(), "u-alice", "/workspace/public/../../etc/passwd", "x", "")
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected forbidden for an escaped path, got %v", err)
	}

	if err := gw.WriteFile(context.Background(), "u-alice", "relative/path.txt", "x", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for a relative path, got %v", err)
	}
	if err := gw.WriteFile(context.Background(), "", "/workspace/public/notes.md", "x", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error without a user, got %v", err)
	}
}

func TestReadFileValidatesOffset(t *testing.T) {
	gw, _, _ := newTestGateway(t, rbac.Grant{
		UserID: "u-alice", PathPrefix: "/", CanRead: true,
	})
	if _, err := gw.ReadFile(context.Background(), "u-alice", "/workspace/a.txt", -1, 10); !errors.Is(err, ErrValidation) {
		t.Fatalf("Expected validation error for a negative offset, got %v", err)
	}
}

func TestWriteFileValidatesEncoding(t *testing.T) {
	gw, _, _ := newTestGateway(t, rbac.Grant{
		UserID: "u-alice", PathPrefix: "/", CanRead: true, CanWrite: true,
	})
	if err := gw.WriteFile(context.Background(), "u-alice", "/workspace/a.bin", "aGk=", EncodingBase64); err != nil {
		t.Errorf("Base64 write failed: %v", err)
	}
	if err := gw.WriteFile(context.Background(), "u-alice", "/workspace/a.bin", "x", "hex"); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for an unknown encoding, got %v", err)
	}
}

func TestMkdirAndDeleteAudited(t *testing.T) {
	gw, browser, audit := newTestGateway(t, rbac.Grant{
		UserID: "u-alice", PathPrefix: "/workspace", CanRead: true, CanWrite: true,
	})

	if err := gw.Mkdir(context.Background(), "u-alice", "/workspace/newdir"); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if err := gw.DeletePath(context.Background(), "u-alice", "/workspace/newdir"); err != nil {
		t.Fatalf("DeletePath failed: %v", err)
	}
	if got := browser.calls(); !equalStrings(got, []string{"mkdir /workspace/newdir", "delete /workspace/newdir"}) {
		t.Errorf("Unexpected backend calls %v", got)
	}

	records, _ := audit.List(context.Background(), "u-alice", 10)
	actions := make([]string, 0, len(records))
	for _, rec := range records {
		actions = append(actions, rec.Action)
	}
	// Newest first.
	if !equalStrings(actions, []string{"delete", "mkdir"}) {
		t.Errorf("Expected [delete mkdir], got %v", actions)
	}
}

func TestAuditFailureBlocksOperation(t *testing.T) {
	grantStore := memory.NewGrantStore()
	if err := grantStore.SaveGrant(context.Background(), rbac.Grant{
		UserID: "u-alice", PathPrefix: "/", CanRead: true, CanWrite: true,
	}); err != nil {
		t.Fatalf("SaveGrant failed: %v", err)
	}
	browser := &fakeBrowser{}
	gw := NewFileGateway(browser, rbac.NewGrantAuthorizer(grantStore), &failingAudit{})

	err := gw.WriteFile(context.Background(), "u-alice", "/workspace/a.txt", "x", "")
	if err == nil || !strings.Contains(err.Error(), "audit") {
		t.Fatalf("Expected the audit failure surfaced, got %v", err)
	}
	if got := browser.calls(); len(got) != 0 {
		t.Errorf("An unaudited operation must not run, got %v", got)
	}
}

func TestListTreeAndDownload(t *testing.T) {
	gw, browser, _ := newTestGateway(t, rbac.Grant{
		UserID: "u-alice", PathPrefix: "/workspace", CanRead: true,
	})
	browser.nodes = []FileNode{{Name: "notes.md", Path: "/workspace/notes.md", Size: 5}}

	nodes, err := gw.ListTree(context.Background(), "u-alice", "/workspace")
	if err != nil {
		t.Fatalf("ListTree failed: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Name != "notes.md" {
		t.Errorf("Unexpected listing %v", nodes)
	}

	rc, node, err := gw.Download(context.Background(), "u-alice", "/workspace/notes.md")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" || node.Name != "notes.md" {
		t.Errorf("Unexpected download %q %+v", data, node)
	}
}

// --- test doubles ---

type fakeBrowser struct {
	log   []string
	nodes []FileNode
}

func (b *fakeBrowser) ListTree(ctx context.Context, path string) ([]FileNode, error) {
	b.log = append(b.log, "list "+path)
	return b.nodes, nil
}

func (b *fakeBrowser) Download(ctx context.Context, path string) (io.ReadCloser, *FileNode, error) {
	b.log = append(b.log, "download "+path)
	name := path[strings.LastIndex(path, "/")+1:]
	return io.NopCloser(strings.NewReader("hello")), &FileNode{Name: name, Path: path, Size: 5}, nil
}

func (b *fakeBrowser) ReadFile(ctx context.Context, path string, offset, limit int64) (*ReadChunk, error) {
	b.log = append(b.log, fmt.Sprintf("read %s@%d", path, offset))
	return &ReadChunk{Content: "hello", Encoding: EncodingUTF8, NextOffset: offset + 5}, nil
}

func (b *fakeBrowser) WriteFile(ctx context.Context, path, content, encoding string) error {
	b.log = append(b.log, "write "+path)
	return nil
}

func (b *fakeBrowser) Rename(ctx context.Context, fromPath, toPath string) error {
	b.log = append(b.log, "rename "+fromPath+" -> "+toPath)
	return nil
}

func (b *fakeBrowser) DeletePath(ctx context.Context, path string) error {
	b.log = append(b.log, "delete "+path)
	return nil
}

func (b *fakeBrowser) Mkdir(ctx context.Context, path string) error {
	b.log = append(b.log, "mkdir "+path)
	return nil
}

func (b *fakeBrowser) calls() []string {
	return append([]string(nil), b.log...)
}

type failingAudit struct{}

func (a *failingAudit) EnsureSchema(ctx context.Context) error { return nil }

func (a *failingAudit) Append(ctx context.Context, rec rbac.AuditRecord) error {
	return fmt.Errorf("audit store down")
}

func (a *failingAudit) List(ctx context.Context, userID string, limit int) ([]rbac.AuditRecord, error) {
	return nil, nil
}
