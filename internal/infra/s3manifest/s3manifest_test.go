package s3manifest

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func TestFetchManifestInlineJSON(t *testing.T) {
	src := NewWithClient(nil, nil)
	plan, err := src.FetchManifest(context.Background(), `{"workspace_s3_prefix":"s3://bkt/sess-1","required_paths":["/workspace"]}`)
	if err != nil {
		t.Fatalf("FetchManifest failed: %v", err)
	}
	if plan.WorkspaceS3Prefix != "s3://bkt/sess-1" {
		t.Errorf("Expected prefix s3://bkt/sess-1, got %s", plan.WorkspaceS3Prefix)
	}
	if len(plan.RequiredPaths) != 1 || plan.RequiredPaths[0] != "/workspace" {
		t.Errorf("Expected required paths [/workspace], got %v", plan.RequiredPaths)
	}
}

func TestFetchManifestFromS3(t *testing.T) {
	getter := &fakeGetter{body: `{"files":[{"path":"/workspace/main.go","source":"s3://bkt/sess-1/main.go"}]}`}
	src := NewWithClient(getter, nil)

	plan, err := src.FetchManifest(context.Background(), "s3://manifests/sess-1/restore.json")
	if err != nil {
		t.Fatalf("FetchManifest failed: %v", err)
	}
	if getter.bucket != "manifests" {
		t.Errorf("Expected bucket manifests, got %s", getter.bucket)
	}
	if getter.key != "sess-1/restore.json" {
		t.Errorf("Expected key sess-1/restore.json, got %s", getter.key)
	}
	if len(plan.Files) != 1 || plan.Files[0].Path != "/workspace/main.go" {
		t.Errorf("Plan did not decode: %+v", plan)
	}
}

func TestFetchManifestRejectsBadRefs(t *testing.T) {
	src := NewWithClient(&fakeGetter{body: "{}"}, nil)
	cases := []struct {
		name string
		ref  string
	}{
		{"empty", ""},
		{"bare path", "/tmp/manifest.json"},
		{"bucket only", "s3://manifests"},
		{"missing key", "s3://manifests/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := src.FetchManifest(context.Background(), tc.ref); err == nil {
				t.Errorf("Expected ref %q to be rejected", tc.ref)
			}
		})
	}
}

func TestFetchManifestRejectsOversizedObject(t *testing.T) {
	getter := &fakeGetter{body: `{"workspace_s3_prefix":"` + strings.Repeat("x", maxManifestBytes) + `"}`}
	src := NewWithClient(getter, nil)
	if _, err := src.FetchManifest(context.Background(), "s3://manifests/huge.json"); err == nil {
		t.Fatal("Expected oversized manifest to be rejected")
	}
}

func TestFetchManifestRejectsMalformedJSON(t *testing.T) {
	src := NewWithClient(&fakeGetter{body: `{"files": [`}, nil)
	if _, err := src.FetchManifest(context.Background(), "s3://manifests/broken.json"); err == nil {
		t.Fatal("Expected malformed JSON to be rejected")
	}
}

// --- test doubles ---

type fakeGetter struct {
	bucket string
	key    string
	body   string
	err    error
}

func (f *fakeGetter) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = aws.ToString(params.Bucket)
	f.key = aws.ToString(params.Key)
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body))}, nil
}
