package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"cloud.google.com/go/storage"

	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/cmn/cos"
	"github.com/simonsobs/librarian/internal/store"
)

// GCSStore implements the Store Manager contract against a Google
// Cloud Storage bucket, grounded on the cloud.google.com/go/storage
// client's Writer/Reader streaming API.
type GCSStore struct {
	name   string
	bucket string
	prefix string
	client *storage.Client

	mu      sync.Mutex
	enabled bool
	staged  map[string]*s3Staging
}

func NewGCSStore(ctx context.Context, name, bucket, prefix string, enabled bool) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindConfiguration, err, "building gcs client for store %q", name)
	}
	return &GCSStore{name: name, bucket: bucket, prefix: prefix, client: client, enabled: enabled, staged: map[string]*s3Staging{}}, nil
}

func (s *GCSStore) Name() string { return s.name }

func (s *GCSStore) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *GCSStore) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

func (s *GCSStore) FreeSpace(ctx context.Context) (int64, error) { return 1 << 60, nil }

func (s *GCSStore) objectName(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *GCSStore) Stage(ctx context.Context, name string, size int64) (store.Handle, error) {
	id := cmn.NewStagingSuffix()
	s.mu.Lock()
	s.staged[id] = &s3Staging{name: name, buf: bytes.NewBuffer(make([]byte, 0, size))}
	s.mu.Unlock()
	return store.Handle{ID: id, Name: name, Size: size}, nil
}

func (s *GCSStore) Write(ctx context.Context, h store.Handle, p []byte) (int, error) {
	s.mu.Lock()
	st, ok := s.staged[h.ID]
	s.mu.Unlock()
	if !ok {
		return 0, cmn.New(cmn.KindIO, "gcs store %q: unknown staging handle %q", s.name, h.ID)
	}
	return st.buf.Write(p)
}

func (s *GCSStore) Commit(ctx context.Context, h store.Handle, kind cos.Kind) (string, cos.Cksum, error) {
	s.mu.Lock()
	st, ok := s.staged[h.ID]
	s.mu.Unlock()
	if !ok {
		return "", cos.Cksum{}, cmn.New(cmn.KindIO, "gcs store %q: unknown staging handle %q", s.name, h.ID)
	}
	measured, _, err := cos.Compute(kind, bytes.NewReader(st.buf.Bytes()))
	if err != nil {
		return "", cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "checksumming staged gcs object %q", st.name)
	}
	objName := s.objectName(st.name)
	w := s.client.Bucket(s.bucket).Object(objName).NewWriter(ctx)
	if _, err := io.Copy(w, bytes.NewReader(st.buf.Bytes())); err != nil {
		w.Close()
		return "", cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "writing gcs object %q", objName)
	}
	err = w.Close()
	s.mu.Lock()
	delete(s.staged, h.ID)
	s.mu.Unlock()
	if err != nil {
		return "", cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "finalizing gcs object %q", objName)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, objName), measured, nil
}

func (s *GCSStore) Abort(ctx context.Context, h store.Handle) error {
	s.mu.Lock()
	delete(s.staged, h.ID)
	s.mu.Unlock()
	return nil
}

func (s *GCSStore) parsePath(path string) (bucket, object string, err error) {
	const prefix = "gs://"
	if !strings.HasPrefix(path, prefix) {
		return "", "", cmn.New(cmn.KindIO, "not a gs:// path: %q", path)
	}
	rest := strings.TrimPrefix(path, prefix)
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return "", "", cmn.New(cmn.KindIO, "gcs path %q missing object name", path)
	}
	return rest[:idx], rest[idx+1:], nil
}

func (s *GCSStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	bucket, object, err := s.parsePath(path)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindIO, err, "opening gcs object %q", path)
	}
	return r, nil
}

func (s *GCSStore) Checksum(ctx context.Context, path string, kind cos.Kind) (cos.Cksum, error) {
	r, err := s.Open(ctx, path)
	if err != nil {
		return cos.Cksum{}, err
	}
	defer r.Close()
	sum, _, err := cos.Compute(kind, r)
	if err != nil {
		return cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "checksumming gcs object %q", path)
	}
	return sum, nil
}

func (s *GCSStore) Delete(ctx context.Context, path string) error {
	bucket, object, err := s.parsePath(path)
	if err != nil {
		return err
	}
	if err := s.client.Bucket(bucket).Object(object).Delete(ctx); err != nil && err != storage.ErrObjectNotExist {
		return cmn.Wrap(cmn.KindIO, err, "deleting gcs object %q", path)
	}
	return nil
}

var _ store.Manager = (*GCSStore)(nil)
