package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"orcha/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultPresignTTL = 15 * time.Minute

// ErrInvalidReference 表示附件 URI 既不是 URL 也不是可识别的对象键。
var ErrInvalidReference = errors.New("storage: invalid object reference")

// ObjectStore 将附件对象键解析为 OCR 服务可以直接下载的预签名地址。
type ObjectStore struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

// NewObjectStore endpoint 为空时返回 nil, nil，表示不启用对象存储。
func NewObjectStore(cfg config.StorageConfig) (*ObjectStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, nil
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("storage: bucket is required when endpoint is set")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		Secure: cfg.UseSSL,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = defaultPresignTTL
	}
	return &ObjectStore{client: client, bucket: bucket, ttl: ttl}, nil
}

// EnsureBucket 在启动时确认桶存在，不存在则创建。
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("storage: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("storage: create bucket: %w", err)
	}
	return nil
}

// Resolve 原样返回 http(s) 地址；s3:// 或 minio:// 引用以及裸对象键则生成预签名 GET 地址。
func (s *ObjectStore) Resolve(ctx context.Context, uri string) (string, error) {
	ref, err := parseReference(uri, s.defaultBucket())
	if err != nil {
		return "", err
	}
	if ref.url != "" {
		return ref.url, nil
	}
	if s == nil || s.client == nil {
		return "", fmt.Errorf("storage: cannot resolve %q without object storage", uri)
	}

	signed, err := s.client.PresignedGetObject(ctx, ref.bucket, ref.key, s.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("storage: presign %s/%s: %w", ref.bucket, ref.key, err)
	}
	return signed.String(), nil
}

func (s *ObjectStore) defaultBucket() string {
	if s == nil {
		return ""
	}
	return s.bucket
}

type reference struct {
	url    string
	bucket string
	key    string
}

func parseReference(raw, defaultBucket string) (reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return reference{}, ErrInvalidReference
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return reference{url: raw}, nil
	}

	for _, scheme := range []string{"s3://", "minio://"} {
		if !strings.HasPrefix(lower, scheme) {
			continue
		}
		rest := raw[len(scheme):]
		bucket, key, ok := strings.Cut(rest, "/")
		key = strings.TrimLeft(key, "/")
		if !ok || bucket == "" || key == "" {
			return reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, raw)
		}
		return reference{bucket: bucket, key: key}, nil
	}

	if strings.Contains(raw, "://") {
		return reference{}, fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidReference, raw)
	}
	key := strings.TrimLeft(raw, "/")
	if key == "" || defaultBucket == "" {
		return reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, raw)
	}
	return reference{bucket: defaultBucket, key: key}, nil
}
