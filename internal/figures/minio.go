// Package figures stores uploaded report figures in S3-compatible storage.
package figures

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrUnsupportedImageType is returned for uploads that are not images.
var ErrUnsupportedImageType = errors.New("unsupported image type")

var allowedExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
}

type Store struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// New connects to MinIO and makes sure the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket, baseURL string, useSSL bool) (*Store, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect minio: %w", err)
	}

	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Store{client: cli, bucket: bucket, baseURL: baseURL}, nil
}

// ContentTypeForFilename maps an upload's filename to its MIME type.
// Returns ErrUnsupportedImageType for anything that is not an image.
func ContentTypeForFilename(filename string) (string, error) {
	ext := strings.ToLower(path.Ext(filename))
	contentType, ok := allowedExtensions[ext]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedImageType, ext)
	}
	return contentType, nil
}

// Upload streams one figure into the bucket and returns its public URL.
func (s *Store) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return publicURL(s.baseURL, s.client.EndpointURL(), s.bucket, key), nil
}

// publicURL prefers the configured public base URL and falls back to the
// storage endpoint. The bucket must allow anonymous reads either way.
func publicURL(baseURL string, endpoint *url.URL, bucket, key string) string {
	if baseURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(baseURL, "/"), bucket, key)
	}
	return fmt.Sprintf("%s://%s/%s/%s", endpoint.Scheme, endpoint.Host, bucket, key)
}
