package imagestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nerrad567/astro-devsim/internal/infrastructure/config"
)

const defaultS3Prefix = "devsim/images"

// S3Store persists frames in an S3-compatible bucket.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Store creates a client for cfg. No request is made until first use.
func NewS3Store(cfg config.S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	bucket := strings.TrimSpace(cfg.Bucket)
	if endpoint == "" || bucket == "" {
		return nil, fmt.Errorf("%w: s3 endpoint and bucket are required", ErrConfig)
	}

	host, secure, err := parseEndpoint(endpoint, cfg.Secure)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if prefix == "" {
		prefix = defaultS3Prefix
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}, nil
}

// Put uploads data with meta as user metadata.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, meta Meta) (Ref, error) {
	key, err := cleanKey(key)
	if err != nil {
		return Ref{}, err
	}
	contentType := meta.ContentType
	if contentType == "" {
		contentType = ContentTypeRaw
	}

	reader := bytes.NewReader(data)
	info, err := s.client.PutObject(ctx, s.bucket, s.objectName(key), reader, int64(reader.Len()), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metaHeaders(meta),
	})
	if err != nil {
		return Ref{}, s.wrapError(err)
	}
	return Ref{
		Key:     key,
		URI:     fmt.Sprintf("s3://%s/%s", s.bucket, s.objectName(key)),
		Size:    info.Size,
		Backend: s.Backend(),
	}, nil
}

// Get downloads a frame.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectName(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		return nil, s.wrapError(err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return data, nil
}

// Delete removes a frame.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, s.objectName(key), minio.RemoveObjectOptions{}); err != nil {
		return s.wrapError(err)
	}
	return nil
}

// Backend returns "s3".
func (s *S3Store) Backend() string { return "s3" }

func (s *S3Store) objectName(key string) string {
	return path.Join(s.prefix, key)
}

func (s *S3Store) wrapError(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" {
		return ErrNotFound
	}
	return err
}

// parseEndpoint accepts either a URL or a bare host[:port]. A bare host uses
// the configured secure flag.
func parseEndpoint(raw string, secure bool) (string, bool, error) {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, fmt.Errorf("parse endpoint: %w", err)
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("%w: invalid endpoint %q", ErrConfig, raw)
		}
		return u.Host, u.Scheme == "https", nil
	}
	return raw, secure, nil
}
