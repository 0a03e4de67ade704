package media

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"whitenote/worker/internal/store"
)

func TestNewDisabledWithoutEndpoint(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestLinkPresignsObject(t *testing.T) {
	l, err := New(Config{
		Endpoint:  "localhost:9000",
		AccessKey: "minio",
		SecretKey: "minio-secret",
		Bucket:    "whitenote-media",
		LinkTTL:   time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := l.Link(context.Background(), store.Media{
		ObjectKey:   "u1/photo.png",
		FileName:    "photo.png",
		ContentType: "image/png",
	})
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u.Host != "localhost:9000" || !strings.HasSuffix(u.Path, "/whitenote-media/u1/photo.png") {
		t.Fatalf("unexpected url %s", raw)
	}
	q := u.Query()
	if q.Get("X-Amz-Expires") != "3600" || q.Get("X-Amz-Signature") == "" {
		t.Fatalf("missing presign params in %s", raw)
	}
	if q.Get("response-content-type") != "image/png" {
		t.Fatalf("content type not forwarded: %s", raw)
	}
}

func TestTTLIsCapped(t *testing.T) {
	l, err := New(Config{Endpoint: "localhost:9000", Bucket: "b", LinkTTL: 30 * 24 * time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if l.ttl != maxLinkTTL {
		t.Fatalf("ttl = %s", l.ttl)
	}
}
