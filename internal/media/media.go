// Package media stores user-submitted images (avatars, cover images) on an
// S3-compatible object store and resolves their public URLs.
package media

import (
	"context"
	"net/url"
	"strings"
	"time"
)

const defaultRequestTimeout = 30 * time.Second

// Config describes the object store endpoint for uploaded media.
type Config struct {
	Endpoint       string
	Bucket         string
	Region         string
	AccessKey      string
	SecretKey      string
	Prefix         string
	PublicEndpoint string
	UseSSL         bool
	RequestTimeout time.Duration
}

// Object is a stored media item: its bucket key and public URL.
type Object struct {
	Key string
	URL string
}

// Uploader is the media host contract used by the registration and profile
// handlers. Delete exists for compensating cleanup when a multi-step
// operation fails after its upload succeeded.
type Uploader interface {
	Enabled() bool
	Upload(ctx context.Context, key, contentType string, body []byte) (Object, error)
	Delete(ctx context.Context, key string) error
}

// NoopUploader is used when no object store is configured. Uploads succeed
// with empty references so registration still works in development.
type NoopUploader struct{}

func (NoopUploader) Enabled() bool { return false }

func (NoopUploader) Upload(ctx context.Context, key, contentType string, body []byte) (Object, error) {
	return Object{}, nil
}

func (NoopUploader) Delete(ctx context.Context, key string) error {
	return nil
}

// NewUploader builds an uploader for the config, falling back to
// NoopUploader when the endpoint or bucket is missing.
func NewUploader(cfg Config) Uploader {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if bucket == "" || endpoint == "" {
		return NoopUploader{}
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	if strings.Contains(endpoint, "://") {
		if parsed, err := url.Parse(endpoint); err == nil {
			endpoint = parsed.Host
		}
	}
	baseURL := &url.URL{Scheme: scheme, Host: endpoint}
	if baseURL.Host == "" {
		return NoopUploader{}
	}
	cfg.Bucket = bucket
	return newS3Uploader(cfg, baseURL)
}

// KeyFromURL maps a public media URL back to its bucket key so a stored URL
// can be deleted. Returns "" when the URL is not under the public endpoint.
func KeyFromURL(cfg Config, publicURL string) string {
	base := strings.TrimRight(strings.TrimSpace(cfg.PublicEndpoint), "/")
	if base == "" || publicURL == "" {
		return ""
	}
	if !strings.HasPrefix(publicURL, base+"/") {
		return ""
	}
	return strings.TrimPrefix(publicURL, base+"/")
}
