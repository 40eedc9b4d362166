// Package minio stores index snapshots in MinIO or any S3-compatible
// server reachable through minio-go.
package minio

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/tamirms/kmerindex/snapstore"
)

// Store implements snapstore.Store on a bucket.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ snapstore.Store = (*Store)(nil)

// NewStore wraps an existing client. prefix is prepended to every name.
func NewStore(client *minio.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

// Dial creates a client with static credentials.
func Dial(endpoint, accessKey, secretKey string, secure bool, bucket, prefix string) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}
	return NewStore(client, bucket, prefix), nil
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// Put streams r as a single object of the given size.
func (s *Store) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	if err := snapstore.ValidateName(name); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

// Get stats the object first: GetObject itself defers errors to the
// first Read.
func (s *Store) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := snapstore.ValidateName(name); err != nil {
		return nil, err
	}
	key := s.key(name)
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", snapstore.ErrSnapshotNotFound, name)
		}
		return nil, err
	}
	return s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
}

func (s *Store) Delete(ctx context.Context, name string) error {
	if err := snapstore.ValidateName(name); err != nil {
		return err
	}
	err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}
