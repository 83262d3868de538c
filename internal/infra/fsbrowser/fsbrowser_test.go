package fsbrowser

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"testing"

	"runway/internal/server/app"
)

func newTestBrowser(t *testing.T) *Browser {
	t.Helper()
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return b
}

func TestWriteAndReadRoundTrip(t *testing.T) {
	b := newTestBrowser(t)
	ctx := context.Background()

	if err := b.WriteFile(ctx, "/notes/hello.md", "# hello\n", app.EncodingUTF8); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	chunk, err := b.ReadFile(ctx, "/notes/hello.md", 0, 0)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if chunk.Content != "# hello\n" {
		t.Errorf("Expected content to round-trip, got %q", chunk.Content)
	}
	if chunk.Encoding != app.EncodingUTF8 {
		t.Errorf("Expected utf-8 encoding, got %s", chunk.Encoding)
	}
	if chunk.Truncated {
		t.Error("Expected full read to not be truncated")
	}
	if chunk.NextOffset != int64(len("# hello\n")) {
		t.Errorf("Expected nextOffset %d, got %d", len("# hello\n"), chunk.NextOffset)
	}
}

func TestReadFileWindows(t *testing.T) {
	b := newTestBrowser(t)
	ctx := context.Background()
	if err := b.WriteFile(ctx, "/data.txt", "0123456789", ""); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	chunk, err := b.ReadFile(ctx, "/data.txt", 0, 4)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if chunk.Content != "0123" || !chunk.Truncated || chunk.NextOffset != 4 {
		t.Errorf("Unexpected first window: %+v", chunk)
	}

	chunk, err = b.ReadFile(ctx, "/data.txt", 8, 4)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if chunk.Content != "89" || chunk.Truncated || chunk.NextOffset != 10 {
		t.Errorf("Unexpected tail window: %+v", chunk)
	}

	chunk, err = b.ReadFile(ctx, "/data.txt", 100, 4)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if chunk.Content != "" || chunk.Truncated || chunk.NextOffset != 100 {
		t.Errorf("Unexpected past-EOF window: %+v", chunk)
	}
}

func TestBinaryContentUsesBase64(t *testing.T) {
	b := newTestBrowser(t)
	ctx := context.Background()
	raw := []byte{0xff, 0xfe, 0x00, 0x01}

	if err := b.WriteFile(ctx, "/bin/blob", base64.StdEncoding.EncodeToString(raw), app.EncodingBase64); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	rc, node, err := b.Download(ctx, "/bin/blob")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	defer func() { _ = rc.Close() }()
	got, _ := io.ReadAll(rc)
	if len(got) != len(raw) {
		t.Fatalf("Expected %d raw bytes, got %d", len(raw), len(got))
	}
	for i := range raw {
		if got[i] != raw[i] {
			t.Fatalf("Byte %d differs: expected %x, got %x", i, raw[i], got[i])
		}
	}
	if node.Size != int64(len(raw)) {
		t.Errorf("Expected node size %d, got %d", len(raw), node.Size)
	}

	chunk, err := b.ReadFile(ctx, "/bin/blob", 0, 0)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if chunk.Encoding != app.EncodingBase64 {
		t.Errorf("Expected base64 encoding for binary content, got %s", chunk.Encoding)
	}
	decoded, err := base64.StdEncoding.DecodeString(chunk.Content)
	if err != nil || len(decoded) != len(raw) {
		t.Errorf("Base64 content did not decode to the raw bytes: %v", err)
	}
}

func TestWriteFileRejectsBadBase64(t *testing.T) {
	b := newTestBrowser(t)
	err := b.WriteFile(context.Background(), "/x.bin", "%%%not-base64%%%", app.EncodingBase64)
	if !errors.Is(err, app.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestListTreeOrdersDirectoriesFirst(t *testing.T) {
	b := newTestBrowser(t)
	ctx := context.Background()
	if err := b.WriteFile(ctx, "/b.txt", "b", ""); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := b.WriteFile(ctx, "/a.txt", "aa", ""); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := b.Mkdir(ctx, "/z"); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	nodes, err := b.ListTree(ctx, "/")
	if err != nil {
		t.Fatalf("ListTree failed: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("Expected 3 nodes, got %d", len(nodes))
	}
	if !nodes[0].IsDir || nodes[0].Name != "z" {
		t.Errorf("Expected directory z first, got %+v", nodes[0])
	}
	if nodes[1].Name != "a.txt" || nodes[2].Name != "b.txt" {
		t.Errorf("Expected name-sorted files, got %s, %s", nodes[1].Name, nodes[2].Name)
	}
	if nodes[1].Path != "/a.txt" {
		t.Errorf("Expected virtual path /a.txt, got %s", nodes[1].Path)
	}
	if nodes[1].Size != 2 {
		t.Errorf("Expected file size 2, got %d", nodes[1].Size)
	}
}

func TestListTreeErrors(t *testing.T) {
	b := newTestBrowser(t)
	ctx := context.Background()

	if _, err := b.ListTree(ctx, "/missing"); !errors.Is(err, app.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing dir, got %v", err)
	}

	if err := b.WriteFile(ctx, "/file.txt", "x", ""); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := b.ListTree(ctx, "/file.txt"); !errors.Is(err, app.ErrValidation) {
		t.Errorf("Expected ErrValidation for listing a file, got %v", err)
	}
}

func TestDownloadDirectoryRejected(t *testing.T) {
	b := newTestBrowser(t)
	ctx := context.Background()
	if err := b.Mkdir(ctx, "/dir"); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if _, _, err := b.Download(ctx, "/dir"); !errors.Is(err, app.ErrValidation) {
		t.Errorf("Expected ErrValidation for directory download, got %v", err)
	}
	if _, _, err := b.Download(ctx, "/nope"); !errors.Is(err, app.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRename(t *testing.T) {
	b := newTestBrowser(t)
	ctx := context.Background()
	if err := b.WriteFile(ctx, "/a.txt", "a", ""); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := b.Rename(ctx, "/a.txt", "/sub/b.txt"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if _, err := b.ReadFile(ctx, "/sub/b.txt", 0, 0); err != nil {
		t.Errorf("Expected renamed file to be readable, got %v", err)
	}
	if _, err := b.ReadFile(ctx, "/a.txt", 0, 0); !errors.Is(err, app.ErrNotFound) {
		t.Errorf("Expected source to be gone, got %v", err)
	}

	if err := b.Rename(ctx, "/gone.txt", "/x.txt"); !errors.Is(err, app.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing source, got %v", err)
	}

	if err := b.WriteFile(ctx, "/c.txt", "c", ""); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := b.Rename(ctx, "/c.txt", "/sub/b.txt"); !errors.Is(err, app.ErrConflict) {
		t.Errorf("Expected ErrConflict for existing target, got %v", err)
	}
}

func TestDeletePath(t *testing.T) {
	b := newTestBrowser(t)
	ctx := context.Background()

	if err := b.WriteFile(ctx, "/dir/file.txt", "x", ""); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := b.DeletePath(ctx, "/dir"); !errors.Is(err, app.ErrConflict) {
		t.Errorf("Expected ErrConflict for non-empty dir, got %v", err)
	}
	if err := b.DeletePath(ctx, "/dir/file.txt"); err != nil {
		t.Fatalf("DeletePath failed: %v", err)
	}
	if err := b.DeletePath(ctx, "/dir"); err != nil {
		t.Fatalf("DeletePath of empty dir failed: %v", err)
	}
	if err := b.DeletePath(ctx, "/dir"); !errors.Is(err, app.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := b.DeletePath(ctx, "/"); !errors.Is(err, app.ErrValidation) {
		t.Errorf("Expected root delete to be rejected, got %v", err)
	}
}

func TestMkdirOverFileConflicts(t *testing.T) {
	b := newTestBrowser(t)
	ctx := context.Background()
	if err := b.WriteFile(ctx, "/taken", "x", ""); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := b.Mkdir(ctx, "/taken"); !errors.Is(err, app.ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}
	if err := b.Mkdir(ctx, "/a/b/c"); err != nil {
		t.Errorf("Expected nested mkdir to succeed, got %v", err)
	}
}

func TestRelativePathRejected(t *testing.T) {
	b := newTestBrowser(t)
	if err := b.WriteFile(context.Background(), "escape.txt", "x", ""); !errors.Is(err, app.ErrValidation) {
		t.Errorf("Expected ErrValidation for relative path, got %v", err)
	}
}
