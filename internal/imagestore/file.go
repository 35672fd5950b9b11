package imagestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore writes each frame to its own file below a root directory.
// Metadata is kept in a "<key>.json" sidecar.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: storage.path is required", ErrConfig)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating image directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Put writes data atomically through a temporary file.
func (f *FileStore) Put(ctx context.Context, key string, data []byte, meta Meta) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	key, err := cleanKey(key)
	if err != nil {
		return Ref{}, err
	}

	target := f.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return Ref{}, fmt.Errorf("creating image directory: %w", err)
	}
	if err := writeAtomic(target, data); err != nil {
		return Ref{}, err
	}

	sidecar, err := json.Marshal(meta)
	if err != nil {
		return Ref{}, fmt.Errorf("encoding image metadata: %w", err)
	}
	if err := writeAtomic(target+".json", sidecar); err != nil {
		return Ref{}, err
	}

	return Ref{
		Key:     key,
		URI:     "file://" + target,
		Size:    int64(len(data)),
		Backend: f.Backend(),
	}, nil
}

// Get reads a stored frame.
func (f *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return data, nil
}

// ReadMeta reads the metadata sidecar for key.
func (f *FileStore) ReadMeta(key string) (Meta, error) {
	key, err := cleanKey(key)
	if err != nil {
		return Meta{}, err
	}
	raw, err := os.ReadFile(f.path(key) + ".json")
	if errors.Is(err, fs.ErrNotExist) {
		return Meta{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Meta{}, fmt.Errorf("reading image metadata: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, fmt.Errorf("decoding image metadata: %w", err)
	}
	return meta, nil
}

// Delete removes a frame and its sidecar.
func (f *FileStore) Delete(_ context.Context, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	for _, p := range []string{f.path(key), f.path(key) + ".json"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("deleting image: %w", err)
		}
	}
	return nil
}

// Backend returns "file".
func (f *FileStore) Backend() string { return "file" }

func (f *FileStore) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func writeAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("writing image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("closing image: %w", err)
	}
	if err := os.Rename(name, target); err != nil {
		os.Remove(name)
		return fmt.Errorf("renaming image: %w", err)
	}
	return nil
}
