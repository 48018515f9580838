package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore stores artifacts on the local filesystem. Each artifact is a
// data file plus a JSON sidecar, sharded by the first two id characters.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a local disk store.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if basePath == "" {
		return nil, errors.New("artifact directory is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

func (s *LocalStore) paths(id string) (data, meta string) {
	shard := id
	if len(shard) > 2 {
		shard = shard[:2]
	}
	dir := filepath.Join(s.basePath, shard)
	return filepath.Join(dir, id+".bin"), filepath.Join(dir, id+".json")
}

// Put stores artifact data on disk.
func (s *LocalStore) Put(ctx context.Context, id string, data io.Reader, opts PutOptions) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	dataPath, metaPath := s.paths(id)
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	// Write to temp file first, then atomic rename.
	tmpPath := dataPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	size, err := io.Copy(f, data)
	if err != nil {
		f.Close()
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("close artifact: %w", err)
	}

	info := Info{ID: id, MimeType: opts.MimeType, Filename: opts.Filename, Size: size}
	meta, err := json.Marshal(info)
	if err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("encode artifact metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, meta, 0o644); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("write artifact metadata: %w", err)
	}
	if err := os.Rename(tmpPath, dataPath); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return Ref(id), nil
}

// Get opens artifact data by id.
func (s *LocalStore) Get(ctx context.Context, id string) (io.ReadCloser, *Info, error) {
	if err := validID(id); err != nil {
		return nil, nil, err
	}
	dataPath, metaPath := s.paths(id)
	f, err := os.Open(dataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open artifact: %w", err)
	}

	info := &Info{ID: id}
	if raw, err := os.ReadFile(metaPath); err == nil {
		_ = json.Unmarshal(raw, info)
	}
	if st, err := f.Stat(); err == nil {
		info.Size = st.Size()
	}
	return f, info, nil
}

// Delete removes an artifact from disk.
func (s *LocalStore) Delete(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	dataPath, metaPath := s.paths(id)
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete artifact metadata: %w", err)
	}
	return nil
}

// Exists checks if an artifact exists.
func (s *LocalStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := validID(id); err != nil {
		return false, err
	}
	dataPath, _ := s.paths(id)
	_, err := os.Stat(dataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Close releases resources.
func (s *LocalStore) Close() error {
	return nil
}
