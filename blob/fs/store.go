// Package fs stores archive objects under a local directory.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caio-sobreiro/dicomscp/blob"
)

// Store maps keys to files under root. A sidecar (file name + ".meta")
// records content type and metadata.
type Store struct {
	root string
}

var _ blob.Sink = (*Store)(nil)

type metaFile struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ETag        string            `json:"etag"`
	Size        int64             `json:"size"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// New returns a store rooted at root, creating it if needed.
func New(root string) (*Store, error) {
	if root == "" {
		root = "./archive"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) Driver() blob.Driver { return blob.DriverFilesystem }

// Root returns the directory objects are written under.
func (s *Store) Root() string { return s.root }

// sanitizeKey forbids keys that escape root.
func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid absolute key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid key %q contains '..'", key)
		}
	}
	return filepath.ToSlash(filepath.Clean(key)), nil
}

// Put writes the object to a temporary file next to its destination and
// renames it into place.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts blob.PutOptions) (blob.Info, error) {
	k, err := sanitizeKey(key)
	if err != nil {
		return blob.Info{}, err
	}
	dataPath := filepath.Join(s.root, filepath.FromSlash(k))
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return blob.Info{}, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".put-*")
	if err != nil {
		return blob.Info{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), &ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return blob.Info{}, fmt.Errorf("write %s: %w", k, err)
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		return blob.Info{}, err
	}

	etag := hex.EncodeToString(h.Sum(nil))
	meta, err := json.Marshal(metaFile{
		ContentType: opts.ContentType,
		Metadata:    opts.Metadata,
		ETag:        etag,
		Size:        n,
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return blob.Info{}, err
	}
	if err := os.WriteFile(dataPath+".meta", meta, 0o644); err != nil {
		return blob.Info{}, err
	}
	return blob.Info{Key: k, Size: n, ETag: etag}, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
