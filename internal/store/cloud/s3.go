// Package cloud implements the Store Manager contract against the
// major object-storage clouds. S3Store uploads through aws-sdk-go-v2's
// manager.Uploader; a staged object is held whole in memory until
// Commit, and reads go through the client's GetObject.
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/cmn/cos"
	"github.com/simonsobs/librarian/internal/store"
)

type S3Store struct {
	name   string
	bucket string
	prefix string

	client   *s3.Client
	uploader *manager.Uploader

	mu      sync.Mutex
	enabled bool
	staged  map[string]*s3Staging
}

type s3Staging struct {
	name string
	buf  *bytes.Buffer
}

func NewS3Store(ctx context.Context, name, region, bucket, prefix string, enabled bool) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, cmn.Wrap(cmn.KindConfiguration, err, "loading AWS config for store %q", name)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Store{
		name:     name,
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
		enabled:  enabled,
		staged:   map[string]*s3Staging{},
	}, nil
}

func (s *S3Store) Name() string { return s.name }

func (s *S3Store) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *S3Store) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// FreeSpace has no meaning for an object store with no hard quota;
// buckets used as stores should be configured with a capacity the
// operator trusts, so this reports a sentinel "very large" value
// rather than fabricating a number from a billing API.
func (s *S3Store) FreeSpace(ctx context.Context) (int64, error) {
	return 1 << 60, nil
}

func (s *S3Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *S3Store) Stage(ctx context.Context, name string, size int64) (store.Handle, error) {
	id := cmn.NewStagingSuffix()
	s.mu.Lock()
	s.staged[id] = &s3Staging{name: name, buf: bytes.NewBuffer(make([]byte, 0, size))}
	s.mu.Unlock()
	return store.Handle{ID: id, Name: name, Size: size}, nil
}

func (s *S3Store) Write(ctx context.Context, h store.Handle, p []byte) (int, error) {
	s.mu.Lock()
	st, ok := s.staged[h.ID]
	s.mu.Unlock()
	if !ok {
		return 0, cmn.New(cmn.KindIO, "s3 store %q: unknown staging handle %q", s.name, h.ID)
	}
	return st.buf.Write(p)
}

func (s *S3Store) Commit(ctx context.Context, h store.Handle, kind cos.Kind) (string, cos.Cksum, error) {
	s.mu.Lock()
	st, ok := s.staged[h.ID]
	s.mu.Unlock()
	if !ok {
		return "", cos.Cksum{}, cmn.New(cmn.KindIO, "s3 store %q: unknown staging handle %q", s.name, h.ID)
	}
	measured, _, err := cos.Compute(kind, bytes.NewReader(st.buf.Bytes()))
	if err != nil {
		return "", cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "checksumming staged s3 object %q", st.name)
	}
	key := s.key(st.name)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(st.buf.Bytes()),
	})
	s.mu.Lock()
	delete(s.staged, h.ID)
	s.mu.Unlock()
	if err != nil {
		return "", cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "uploading %q to s3://%s/%s", st.name, s.bucket, key)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), measured, nil
}

func (s *S3Store) Abort(ctx context.Context, h store.Handle) error {
	s.mu.Lock()
	delete(s.staged, h.ID)
	s.mu.Unlock()
	return nil
}

func (s *S3Store) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	bucket, key, err := parseS3Path(path)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, cmn.Wrap(cmn.KindIO, err, "getting s3 object %q", path)
	}
	return out.Body, nil
}

func (s *S3Store) Checksum(ctx context.Context, path string, kind cos.Kind) (cos.Cksum, error) {
	r, err := s.Open(ctx, path)
	if err != nil {
		return cos.Cksum{}, err
	}
	defer r.Close()
	sum, _, err := cos.Compute(kind, r)
	if err != nil {
		return cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "checksumming s3 object %q", path)
	}
	return sum, nil
}

func (s *S3Store) Delete(ctx context.Context, path string) error {
	bucket, key, err := parseS3Path(path)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return cmn.Wrap(cmn.KindIO, err, "deleting s3 object %q", path)
	}
	return nil
}

func parseS3Path(path string) (bucket, key string, err error) {
	const prefix = "s3://"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return "", "", cmn.New(cmn.KindIO, "not an s3:// path: %q", path)
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], nil
		}
	}
	return "", "", cmn.New(cmn.KindIO, "s3 path %q missing key", path)
}

var _ store.Manager = (*S3Store)(nil)
