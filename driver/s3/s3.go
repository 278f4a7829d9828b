// Package s3 provides a vaultfs backend session over an S3 bucket.
//
// S3 has no directories. A directory exists when an object key carries
// its prefix, or when an empty "dir/" marker object was written by Mkdir.
package s3

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gobeaver/vaultfs"
)

// Client is the subset of *s3.Client the session uses.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

var _ Client = (*s3.Client)(nil)

// Session is a backend session over one bucket, optionally below a key
// prefix.
type Session struct {
	client   Client
	bucket   string
	prefix   string
	features *vaultfs.Features
}

// Option configures a Session.
type Option func(*Session)

// WithPrefix stores all objects below prefix.
func WithPrefix(prefix string) Option {
	return func(s *Session) {
		// Ensure prefix ends with a slash if it's not empty
		prefix = strings.Trim(prefix, "/")
		if prefix != "" {
			prefix += "/"
		}
		s.prefix = prefix
	}
}

// New creates a session for bucket.
func New(client Client, bucket string, opts ...Option) *Session {
	s := &Session{
		client: client,
		bucket: bucket,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.features = vaultfs.NewFeatures()
	s.features.Provide(vaultfs.FeatureRead, &reader{s})
	s.features.Provide(vaultfs.FeatureWrite, &writer{s})
	s.features.Provide(vaultfs.FeatureList, &lister{s})
	s.features.Provide(vaultfs.FeatureDelete, &deleter{s})
	s.features.Provide(vaultfs.FeatureMove, &mover{s})
	s.features.Provide(vaultfs.FeatureTouch, &toucher{s})
	s.features.Provide(vaultfs.FeatureAttributes, &attributes{s})
	s.features.Provide(vaultfs.FeatureDirectory, &directory{s})
	return s
}

func (s *Session) ID() string {
	return "s3:" + s.bucket + "/" + s.prefix
}

func (s *Session) Feature(t vaultfs.FeatureType, proxy vaultfs.Capability) vaultfs.Capability {
	return s.features.Lookup(t, proxy)
}

// Bucket returns the bucket name.
func (s *Session) Bucket() string {
	return s.bucket
}

// key returns the object key of p.
func (s *Session) key(p vaultfs.Path) string {
	return s.prefix + strings.TrimPrefix(p.Abs(), "/")
}

// dirKey returns the key prefix of the content of directory p.
func (s *Session) dirKey(p vaultfs.Path) string {
	if p.IsRoot() {
		return s.prefix
	}
	return s.key(p) + "/"
}

// pathError wraps err with the operation and path, mapping S3 errors to
// the vaultfs sentinels.
func pathError(op string, p vaultfs.Path, err error) error {
	var nsk *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &notFound) {
		err = vaultfs.ErrNotExist
	}
	return &vaultfs.VaultError{Op: op, Path: p.Abs(), Err: err}
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &notFound)
}
