// Package s3 stores index snapshots in Amazon S3.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/c2h5oh/datasize"
	"github.com/tamirms/kmerindex/snapstore"
)

// Client is the subset of *s3.Client the store uses. Put goes through a
// manager.Uploader, so large snapshots are sent as multipart uploads.
type Client interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// DefaultPartSize is the multipart chunk size for uploads.
const DefaultPartSize = int64(16 * datasize.MB)

// Store implements snapstore.Store on a bucket.
type Store struct {
	client   Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ snapstore.Store = (*Store)(nil)

// NewStore wraps client. prefix is prepended to every name.
func NewStore(client Client, bucket, prefix string) *Store {
	return &Store{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = DefaultPartSize
		}),
		bucket: bucket,
		prefix: prefix,
	}
}

// NewFromEnv builds a client from the default AWS configuration chain
// (environment, shared config, instance role).
func NewFromEnv(ctx context.Context, bucket, prefix string) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapstore/s3: load AWS config: %w", err)
	}
	return NewStore(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *Store) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	if err := snapstore.ValidateName(name); err != nil {
		return err
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(name)),
		Body:        r,
		ContentType: aws.String("application/octet-stream"),
	})
	return err
}

func (s *Store) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := snapstore.ValidateName(name); err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", snapstore.ErrSnapshotNotFound, name)
		}
		return nil, err
	}
	return resp.Body, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	if err := snapstore.ValidateName(name); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}
