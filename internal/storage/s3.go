package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Storage stores objects in any S3-compatible bucket (AWS, MinIO, R2).
type S3Storage struct {
	Endpoint      string
	Bucket        string
	Client        *minio.Client
	publicBaseURL string
}

// NewS3 creates the client. publicBaseURL, when set, is the prefix objects are
// served from; otherwise path-style endpoint URLs are returned.
func NewS3(endpoint, accessKeyID, secretKey, bucket string, useSSL bool, publicBaseURL string) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	if publicBaseURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicBaseURL = fmt.Sprintf("%s://%s/%s", scheme, endpoint, bucket)
	}

	return &S3Storage{
		Endpoint:      endpoint,
		Bucket:        bucket,
		Client:        client,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

func (s *S3Storage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if s.Client == nil {
		return "", fmt.Errorf("s3 client not initialized")
	}

	_, err := s.Client.PutObject(
		ctx,
		s.Bucket,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}
	return s.PublicURL(key), nil
}

func (s *S3Storage) Get(ctx context.Context, rawURL string) ([]byte, error) {
	key, ok := s.keyFromURL(rawURL)
	if !ok {
		return nil, fmt.Errorf("url %q is not in bucket %s", rawURL, s.Bucket)
	}

	obj, err := s.Client.GetObject(ctx, s.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("s3 read object: %w", err)
	}
	return data, nil
}

func (s *S3Storage) PublicURL(key string) string {
	return s.publicBaseURL + "/" + key
}

func (s *S3Storage) keyFromURL(rawURL string) (string, bool) {
	prefix := s.publicBaseURL + "/"
	if !strings.HasPrefix(rawURL, prefix) {
		return "", false
	}
	return strings.TrimPrefix(rawURL, prefix), true
}
