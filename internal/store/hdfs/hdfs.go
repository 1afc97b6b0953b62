// Package hdfs implements the Store Manager contract against a
// Hadoop Distributed File System namenode, grounded on
// colinmarc/hdfs/v2, a pure-Go HDFS client that speaks the namenode
// protocol directly (no libhdfs/JNI dependency).
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package hdfs

import (
	"context"
	"io"
	"os"
	"path"
	"sync"

	hdfslib "github.com/colinmarc/hdfs/v2"

	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/cmn/cos"
	"github.com/simonsobs/librarian/internal/store"
)

type Store struct {
	name   string
	root   string
	client *hdfslib.Client

	mu      sync.Mutex
	enabled bool
	staged  map[string]*staging
}

type staging struct {
	name string
	path string
	w    *hdfslib.FileWriter
}

func New(name, namenode, root string, enabled bool) (*Store, error) {
	client, err := hdfslib.New(namenode)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindUnreachable, err, "connecting to hdfs namenode %q for store %q", namenode, name)
	}
	if err := client.MkdirAll(path.Join(root, ".staging"), 0o755); err != nil {
		return nil, cmn.Wrap(cmn.KindIO, err, "creating hdfs staging directory for store %q", name)
	}
	return &Store{name: name, root: root, client: client, enabled: enabled, staged: map[string]*staging{}}, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Store) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

func (s *Store) FreeSpace(ctx context.Context) (int64, error) {
	fsInfo, err := s.client.StatFs()
	if err != nil {
		return 0, cmn.Wrap(cmn.KindIO, err, "statfs on hdfs store %q", s.name)
	}
	return int64(fsInfo.Remaining), nil
}

func (s *Store) Stage(ctx context.Context, name string, size int64) (store.Handle, error) {
	id := cmn.NewStagingSuffix()
	stagingPath := path.Join(s.root, ".staging", id)
	w, err := s.client.Create(stagingPath)
	if err != nil {
		return store.Handle{}, cmn.Wrap(cmn.KindIO, err, "creating hdfs staging file %q", stagingPath)
	}
	s.mu.Lock()
	s.staged[id] = &staging{name: name, path: stagingPath, w: w}
	s.mu.Unlock()
	return store.Handle{ID: id, Name: name, Size: size}, nil
}

func (s *Store) Write(ctx context.Context, h store.Handle, p []byte) (int, error) {
	s.mu.Lock()
	st, ok := s.staged[h.ID]
	s.mu.Unlock()
	if !ok {
		return 0, cmn.New(cmn.KindIO, "hdfs store %q: unknown staging handle %q", s.name, h.ID)
	}
	n, err := st.w.Write(p)
	if err != nil {
		return n, cmn.Wrap(cmn.KindIO, err, "writing hdfs staging file %q", st.path)
	}
	return n, nil
}

func (s *Store) Commit(ctx context.Context, h store.Handle, kind cos.Kind) (string, cos.Cksum, error) {
	s.mu.Lock()
	st, ok := s.staged[h.ID]
	s.mu.Unlock()
	if !ok {
		return "", cos.Cksum{}, cmn.New(cmn.KindIO, "hdfs store %q: unknown staging handle %q", s.name, h.ID)
	}
	if err := st.w.Close(); err != nil {
		return "", cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "closing hdfs staging file %q", st.path)
	}

	finalPath := path.Join(s.root, h.Name)
	if err := s.client.MkdirAll(path.Dir(finalPath), 0o755); err != nil {
		return "", cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "creating hdfs final directory for %q", finalPath)
	}
	if err := s.client.Rename(st.path, finalPath); err != nil {
		return "", cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "renaming hdfs %q to %q", st.path, finalPath)
	}
	s.mu.Lock()
	delete(s.staged, h.ID)
	s.mu.Unlock()

	r, err := s.client.Open(finalPath)
	if err != nil {
		return "", cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "reopening hdfs %q for checksum", finalPath)
	}
	defer r.Close()
	measured, _, err := cos.Compute(kind, r)
	if err != nil {
		return "", cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "checksumming hdfs %q", finalPath)
	}
	return finalPath, measured, nil
}

func (s *Store) Abort(ctx context.Context, h store.Handle) error {
	s.mu.Lock()
	st, ok := s.staged[h.ID]
	delete(s.staged, h.ID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	st.w.Close()
	if err := s.client.Remove(st.path); err != nil && !os.IsNotExist(err) {
		return cmn.Wrap(cmn.KindIO, err, "removing aborted hdfs staging file %q", st.path)
	}
	return nil
}

func (s *Store) Open(ctx context.Context, filePath string) (io.ReadCloser, error) {
	r, err := s.client.Open(filePath)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindIO, err, "opening hdfs %q", filePath)
	}
	return r, nil
}

func (s *Store) Checksum(ctx context.Context, filePath string, kind cos.Kind) (cos.Cksum, error) {
	r, err := s.Open(ctx, filePath)
	if err != nil {
		return cos.Cksum{}, err
	}
	defer r.Close()
	sum, _, err := cos.Compute(kind, r)
	if err != nil {
		return cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "checksumming hdfs %q", filePath)
	}
	return sum, nil
}

func (s *Store) Delete(ctx context.Context, filePath string) error {
	if err := s.client.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return cmn.Wrap(cmn.KindIO, err, "deleting hdfs %q", filePath)
	}
	return nil
}

var _ store.Manager = (*Store)(nil)
