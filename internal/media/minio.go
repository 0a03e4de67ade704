// Package media turns stored attachments into links the knowledge base can
// follow.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"whitenote/worker/internal/store"
)

var ErrDisabled = errors.New("media storage not configured")

// maxLinkTTL is the longest expiry S3 presigning accepts.
const maxLinkTTL = 7 * 24 * time.Hour

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
	LinkTTL   time.Duration
}

// Linker presigns GET URLs for media objects.
type Linker struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

// New returns ErrDisabled when no endpoint is configured.
func New(cfg Config) (*Linker, error) {
	if cfg.Endpoint == "" {
		return nil, ErrDisabled
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	ttl := cfg.LinkTTL
	if ttl <= 0 || ttl > maxLinkTTL {
		ttl = maxLinkTTL
	}
	return &Linker{client: client, bucket: cfg.Bucket, ttl: ttl}, nil
}

// Link returns a presigned URL that serves m inline under its file name.
func (l *Linker) Link(ctx context.Context, m store.Media) (string, error) {
	params := url.Values{}
	if m.FileName != "" {
		params.Set("response-content-disposition", fmt.Sprintf("inline; filename=%q", m.FileName))
	}
	if m.ContentType != "" {
		params.Set("response-content-type", m.ContentType)
	}
	u, err := l.client.PresignedGetObject(ctx, l.bucket, m.ObjectKey, l.ttl, params)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", m.ObjectKey, err)
	}
	return u.String(), nil
}
