package rbac

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the YAML seed document loaded at boot.
//
//	grants:
//	  - userId: u-alice
//	    pathPrefix: /workspace/public
//	    canRead: true
//	    canWrite: true
type PolicyFile struct {
	Grants []Grant `yaml:"grants"`
}

// LoadPolicyFile parses the grant seed file. A missing or empty file is not
// an error and yields no grants.
func LoadPolicyFile(path string) ([]Grant, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rbac policy: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	return ParsePolicy(data)
}

// ParsePolicy decodes a policy document and validates its grants.
func ParsePolicy(data []byte) ([]Grant, error) {
	var parsed PolicyFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse rbac policy: %w", err)
	}

	for i, g := range parsed.Grants {
		if strings.TrimSpace(g.UserID) == "" {
			return nil, fmt.Errorf("rbac policy grant %d: userId required", i)
		}
		if !strings.HasPrefix(g.PathPrefix, "/") {
			return nil, fmt.Errorf("rbac policy grant %d: pathPrefix must be absolute", i)
		}
	}
	return parsed.Grants, nil
}

// SeedGrants upserts the parsed grants into the store.
func SeedGrants(ctx context.Context, store GrantStore, grants []Grant) error {
	for _, g := range grants {
		if err := store.SaveGrant(ctx, g); err != nil {
			return fmt.Errorf("seed grant %s %s: %w", g.UserID, g.PathPrefix, err)
		}
	}
	return nil
}
