// Package artifacts stores debugging artifacts (challenge and block
// screenshots) through pluggable blob backends.
package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore writes artifacts under a root directory.
type LocalStore struct {
	root string
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir %s: %w", root, err)
	}
	return &LocalStore{root: root}, nil
}

// PutObject writes data below the root and returns a file:// URI.
func (s *LocalStore) PutObject(ctx context.Context, path string, _ string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put canceled: %w", err)
	}
	target := filepath.Join(s.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", fmt.Errorf("create artifact subdir: %w", err)
	}
	if err := os.WriteFile(target, data, 0o600); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", target, err)
	}
	return "file://" + target, nil
}
