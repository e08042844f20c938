// Package blob is the durable artifact store behind the image pipeline.
// Artifacts are content-less opaque bytes keyed by a generated id; URLs are
// built from the configured public base so the store never has to be
// consulted on the read path.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Store struct {
	dir       string
	publicURL string
}

func NewStore(dir, publicURL string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("blob dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{
		dir:       dir,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// Store persists the bytes and returns a stable content-addressed id.
// Storing the same bytes twice yields the same id and is a no-op.
func (s *Store) Store(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("blob is empty")
	}
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:]) + ".png"

	path := filepath.Join(s.dir, id)
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalize blob: %w", err)
	}
	return id, nil
}

// URL returns the public URL for a stored blob id, or "" when the id is
// unknown.
func (s *Store) URL(id string) string {
	if strings.TrimSpace(id) == "" {
		return ""
	}
	if _, err := os.Stat(filepath.Join(s.dir, id)); err != nil {
		return ""
	}
	return s.publicURL + "/" + id
}

// Dir exposes the backing directory so main can serve it over HTTP.
func (s *Store) Dir() string {
	return s.dir
}
