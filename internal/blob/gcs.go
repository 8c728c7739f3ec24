package blob

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStore keeps blobs in a single Google Cloud Storage bucket, using the
// container as the object name prefix.
type GCSStore struct {
	client    *storage.Client
	bucket    string
	publicURL string
}

// NewGCSStore creates a GCSStore. When publicURL is empty, Put returns V4
// signed URLs that expire with the blob's ttl; otherwise it returns
// publicURL/<object>.
func NewGCSStore(ctx context.Context, bucket, credentialsFile, publicURL string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, publicURL: strings.TrimSuffix(publicURL, "/")}, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) Fetch(ctx context.Context, container, name string) ([]byte, error) {
	key, err := objectKey(container, name)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, dependencyErr("fetch", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, dependencyErr("fetch", key, err)
	}
	return data, nil
}

func (s *GCSStore) Put(ctx context.Context, container, name string, data []byte, ttl time.Duration) (string, error) {
	key, err := objectKey(container, name)
	if err != nil {
		return "", err
	}

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if strings.HasSuffix(key, ".glb") {
		w.ContentType = GLBContentType
	}
	w.CustomTime = time.Now().Add(ttl)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", dependencyErr("put", key, err)
	}
	if err := w.Close(); err != nil {
		return "", dependencyErr("put", key, err)
	}

	if s.publicURL != "" {
		return s.publicURL + "/" + key, nil
	}

	url, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(ttl),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", dependencyErr("sign", key, err)
	}
	return url, nil
}

var _ Store = (*GCSStore)(nil)
