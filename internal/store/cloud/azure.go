package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/cmn/cos"
	"github.com/simonsobs/librarian/internal/store"
)

// AzureStore implements the Store Manager contract against an Azure
// Blob container, grounded on the azblob client the same way the
// S3 backend uses the AWS SDK — block-blob upload/download rather
// than page blobs, since the catalog's files are opaque byte blobs.
type AzureStore struct {
	name      string
	container string
	prefix    string
	client    *azblob.Client

	mu      sync.Mutex
	enabled bool
	staged  map[string]*s3Staging
}

func NewAzureStore(accountURL, sharedKeyAccount, sharedKey, name, container, prefix string, enabled bool) (*AzureStore, error) {
	cred, err := azblob.NewSharedKeyCredential(sharedKeyAccount, sharedKey)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindConfiguration, err, "building azure credential for store %q", name)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(accountURL, cred, nil)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindConfiguration, err, "building azure client for store %q", name)
	}
	return &AzureStore{
		name: name, container: container, prefix: prefix, client: client,
		enabled: enabled, staged: map[string]*s3Staging{},
	}, nil
}

func (s *AzureStore) Name() string { return s.name }

func (s *AzureStore) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *AzureStore) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

func (s *AzureStore) FreeSpace(ctx context.Context) (int64, error) { return 1 << 60, nil }

func (s *AzureStore) blobName(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *AzureStore) Stage(ctx context.Context, name string, size int64) (store.Handle, error) {
	id := cmn.NewStagingSuffix()
	s.mu.Lock()
	s.staged[id] = &s3Staging{name: name, buf: bytes.NewBuffer(make([]byte, 0, size))}
	s.mu.Unlock()
	return store.Handle{ID: id, Name: name, Size: size}, nil
}

func (s *AzureStore) Write(ctx context.Context, h store.Handle, p []byte) (int, error) {
	s.mu.Lock()
	st, ok := s.staged[h.ID]
	s.mu.Unlock()
	if !ok {
		return 0, cmn.New(cmn.KindIO, "azure store %q: unknown staging handle %q", s.name, h.ID)
	}
	return st.buf.Write(p)
}

func (s *AzureStore) Commit(ctx context.Context, h store.Handle, kind cos.Kind) (string, cos.Cksum, error) {
	s.mu.Lock()
	st, ok := s.staged[h.ID]
	s.mu.Unlock()
	if !ok {
		return "", cos.Cksum{}, cmn.New(cmn.KindIO, "azure store %q: unknown staging handle %q", s.name, h.ID)
	}
	measured, _, err := cos.Compute(kind, bytes.NewReader(st.buf.Bytes()))
	if err != nil {
		return "", cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "checksumming staged azure blob %q", st.name)
	}
	blobName := s.blobName(st.name)
	_, err = s.client.UploadBuffer(ctx, s.container, blobName, st.buf.Bytes(), nil)
	s.mu.Lock()
	delete(s.staged, h.ID)
	s.mu.Unlock()
	if err != nil {
		return "", cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "uploading %q to azure container %q", st.name, s.container)
	}
	return fmt.Sprintf("azblob://%s/%s", s.container, blobName), measured, nil
}

func (s *AzureStore) Abort(ctx context.Context, h store.Handle) error {
	s.mu.Lock()
	delete(s.staged, h.ID)
	s.mu.Unlock()
	return nil
}

func (s *AzureStore) parsePath(path string) (container, blobName string, err error) {
	const prefix = "azblob://"
	if !strings.HasPrefix(path, prefix) {
		return "", "", cmn.New(cmn.KindIO, "not an azblob:// path: %q", path)
	}
	rest := strings.TrimPrefix(path, prefix)
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return "", "", cmn.New(cmn.KindIO, "azblob path %q missing blob name", path)
	}
	return rest[:idx], rest[idx+1:], nil
}

func (s *AzureStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	container, blobName, err := s.parsePath(path)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.DownloadStream(ctx, container, blobName, nil)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindIO, err, "downloading azure blob %q", path)
	}
	return resp.Body, nil
}

func (s *AzureStore) Checksum(ctx context.Context, path string, kind cos.Kind) (cos.Cksum, error) {
	r, err := s.Open(ctx, path)
	if err != nil {
		return cos.Cksum{}, err
	}
	defer r.Close()
	sum, _, err := cos.Compute(kind, r)
	if err != nil {
		return cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "checksumming azure blob %q", path)
	}
	return sum, nil
}

func (s *AzureStore) Delete(ctx context.Context, path string) error {
	container, blobName, err := s.parsePath(path)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteBlob(ctx, container, blobName, &azblob.DeleteBlobOptions{
		DeleteSnapshots: blobPtr(blob.DeleteSnapshotsOptionTypeInclude),
	})
	if err != nil {
		return cmn.Wrap(cmn.KindIO, err, "deleting azure blob %q", path)
	}
	return nil
}

func blobPtr(v blob.DeleteSnapshotsOptionType) *blob.DeleteSnapshotsOptionType { return &v }

var _ store.Manager = (*AzureStore)(nil)
