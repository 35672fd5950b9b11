package imagestore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/astro-devsim/internal/infrastructure/config"
)

// Errors returned by stores.
var (
	ErrNotFound   = errors.New("imagestore: image not found")
	ErrInvalidKey = errors.New("imagestore: invalid key")
	ErrConfig     = errors.New("imagestore: invalid configuration")
)

// ContentTypeRaw is the content type of synthesized frames.
const ContentTypeRaw = "application/octet-stream"

// Meta describes a stored frame.
type Meta struct {
	DeviceID    string    `json:"device_id"`
	JobID       string    `json:"job_id"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	BitDepth    int       `json:"bit_depth"`
	Exposure    float64   `json:"exposure"`
	Light       bool      `json:"light"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// Ref identifies a stored frame.
type Ref struct {
	Key     string `json:"key"`
	URI     string `json:"uri"`
	Size    int64  `json:"size"`
	Backend string `json:"backend"`
}

// Store persists frame buffers by key.
type Store interface {
	Put(ctx context.Context, key string, data []byte, meta Meta) (Ref, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Backend() string
}

// Key builds the storage key for a device frame.
func Key(deviceID, jobID string) string {
	return path.Join(deviceID, jobID+".raw")
}

// cleanKey rejects keys that are empty or escape the store root.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(key, "/") || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

// metaHeaders renders Meta as object user metadata.
func metaHeaders(meta Meta) map[string]string {
	return map[string]string{
		"device-id": meta.DeviceID,
		"job-id":    meta.JobID,
		"width":     strconv.Itoa(meta.Width),
		"height":    strconv.Itoa(meta.Height),
		"bit-depth": strconv.Itoa(meta.BitDepth),
		"exposure":  strconv.FormatFloat(meta.Exposure, 'f', -1, 64),
		"light":     strconv.FormatBool(meta.Light),
	}
}

// New builds the store selected by cfg.Backend.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Path)
	case "s3":
		return NewS3Store(cfg.S3)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrConfig, cfg.Backend)
	}
}
