// Package artifacts stores binary attachments and tool outputs behind
// artifact:// references.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/haasonsaas/parley/internal/config"
)

// Scheme prefixes artifact references stored on messages.
const Scheme = "artifact://"

// ErrNotFound is returned when an artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// PutOptions describe stored content.
type PutOptions struct {
	MimeType string
	Filename string
	Metadata map[string]string
}

// Info describes a stored artifact.
type Info struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size"`
}

// Store persists artifact bytes.
type Store interface {
	// Put stores data under id and returns its artifact:// reference.
	Put(ctx context.Context, id string, data io.Reader, opts PutOptions) (string, error)
	Get(ctx context.Context, id string) (io.ReadCloser, *Info, error)
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	Close() error
}

// Ref returns the reference for an artifact id.
func Ref(id string) string {
	return Scheme + id
}

// ParseRef extracts the id from an artifact:// reference.
func ParseRef(ref string) (string, bool) {
	if !strings.HasPrefix(ref, Scheme) {
		return "", false
	}
	id := strings.TrimPrefix(ref, Scheme)
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", false
	}
	return id, true
}

// Open builds the configured store.
func Open(ctx context.Context, cfg config.ArtifactsConfig) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.LocalPath)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported artifacts backend %q", cfg.Backend)
	}
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid artifact id %q", id)
	}
	return nil
}
