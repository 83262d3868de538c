// Package s3manifest resolves restore manifests from S3 objects or
// inline JSON references.
package s3manifest

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"runway/internal/domain/worker"
	jsonx "runway/internal/shared/json"
	"runway/internal/shared/logging"
)

// ObjectGetter is the slice of the S3 API the source needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Manifests are small JSON documents; anything bigger is a bad ref.
const maxManifestBytes = 1 << 20

// Source implements worker.ManifestSource.
type Source struct {
	s3     ObjectGetter
	logger logging.Logger
}

// New loads the default AWS config chain (env, shared config, IMDS) and
// builds the source.
func New(ctx context.Context, logger logging.Logger) (*Source, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithClient(s3.NewFromConfig(cfg), logger), nil
}

// NewWithClient builds the source over an existing S3 client.
func NewWithClient(getter ObjectGetter, logger logging.Logger) *Source {
	return &Source{s3: getter, logger: logging.OrNop(logger)}
}

// FetchManifest resolves ref: s3://bucket/key objects are fetched and
// decoded, inline JSON is decoded directly.
func (s *Source) FetchManifest(ctx context.Context, ref string) (*worker.RestorePlan, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return nil, fmt.Errorf("manifest ref is empty")
	case strings.HasPrefix(ref, "s3://"):
		return s.fetchObject(ctx, ref)
	case strings.HasPrefix(ref, "{"):
		return decodePlan([]byte(ref))
	default:
		return nil, fmt.Errorf("unsupported manifest ref %q: want s3://bucket/key or inline JSON", ref)
	}
}

func (s *Source) fetchObject(ctx context.Context, ref string) (*worker.RestorePlan, error) {
	bucket, key, err := splitS3Ref(ref)
	if err != nil {
		return nil, err
	}
	if s.s3 == nil {
		return nil, fmt.Errorf("s3 client not configured for manifest %s", ref)
	}

	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get manifest %s: %w", ref, err)
	}
	defer func() { _ = out.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(out.Body, maxManifestBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", ref, err)
	}
	if len(raw) > maxManifestBytes {
		return nil, fmt.Errorf("manifest %s exceeds %d bytes", ref, maxManifestBytes)
	}
	plan, err := decodePlan(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", ref, err)
	}
	return plan, nil
}

func decodePlan(raw []byte) (*worker.RestorePlan, error) {
	var plan worker.RestorePlan
	if err := jsonx.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("decode restore plan: %w", err)
	}
	return &plan, nil
}

func splitS3Ref(ref string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(ref, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 ref %q: want s3://bucket/key", ref)
	}
	return bucket, key, nil
}
