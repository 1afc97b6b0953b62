// Package rsync implements the Store Manager contract against a
// remote host reachable over SSH, shelling out to the system rsync
// binary for the actual byte transfer the way an operations team
// already trusts it to behave (checksums, partial-transfer resume,
// bandwidth limiting) rather than reimplementing the rsync protocol.
/*
 * Copyright (c) 2024-2025, Simons Observatory Collaboration. All rights reserved.
 */
package rsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/simonsobs/librarian/internal/cmn"
	"github.com/simonsobs/librarian/internal/cmn/cos"
	"github.com/simonsobs/librarian/internal/store"
)

type Store struct {
	name       string
	host       string
	remoteRoot string
	sshConfig  *ssh.ClientConfig

	localStaging string // a local scratch directory rsync pushes from

	mu      sync.Mutex
	enabled bool
	staged  map[string]*os.File
	sizes   map[string]int64
}

// Config mirrors the backend-specific keys a StoreConfig.Params map
// carries for an rsync store: host, user, remote root, and a path to
// a private key usable with golang.org/x/crypto/ssh.
type Config struct {
	Host         string
	User         string
	PrivateKey   []byte
	RemoteRoot   string
	LocalStaging string
}

func New(name string, cfg Config, enabled bool) (*Store, error) {
	signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindConfiguration, err, "parsing rsync store %q private key", name)
	}
	if err := os.MkdirAll(cfg.LocalStaging, 0o755); err != nil {
		return nil, cmn.Wrap(cmn.KindIO, err, "creating local staging dir for rsync store %q", name)
	}
	return &Store{
		name:       name,
		host:       cfg.Host,
		remoteRoot: cfg.RemoteRoot,
		sshConfig: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: wire a known_hosts callback once deployments supply one
		},
		localStaging: cfg.LocalStaging,
		enabled:      enabled,
		staged:       map[string]*os.File{},
		sizes:        map[string]int64{},
	}, nil
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

// Ping verifies SSH reachability without moving bytes; Commit calls it
// once before invoking rsync rather than on every Write, since
// dialing SSH per byte-move would dominate latency.
func (s *Store) Ping(ctx context.Context) error {
	client, err := ssh.Dial("tcp", s.host, s.sshConfig)
	if err != nil {
		return cmn.Wrap(cmn.KindUnreachable, err, "dialing rsync store %q at %q", s.name, s.host)
	}
	return client.Close()
}

func (s *Store) FreeSpace(ctx context.Context) (int64, error) {
	client, err := ssh.Dial("tcp", s.host, s.sshConfig)
	if err != nil {
		return 0, cmn.Wrap(cmn.KindUnreachable, err, "dialing rsync store %q", s.name)
	}
	defer client.Close()
	session, err := client.NewSession()
	if err != nil {
		return 0, cmn.Wrap(cmn.KindUnreachable, err, "opening ssh session on %q", s.name)
	}
	defer session.Close()
	var out bytes.Buffer
	session.Stdout = &out
	if err := session.Run(fmt.Sprintf("df -B1 --output=avail %q | tail -1", s.remoteRoot)); err != nil {
		return 0, cmn.Wrap(cmn.KindIO, err, "df on rsync store %q", s.name)
	}
	var avail int64
	if _, err := fmt.Sscanf(out.String(), "%d", &avail); err != nil {
		return 0, cmn.Wrap(cmn.KindIO, err, "parsing df output from rsync store %q", s.name)
	}
	return avail, nil
}

func (s *Store) Stage(ctx context.Context, name string, size int64) (store.Handle, error) {
	suffix := cmn.NewStagingSuffix()
	localPath := filepath.Join(s.localStaging, suffix)
	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return store.Handle{}, cmn.Wrap(cmn.KindIO, err, "creating local rsync staging file %q", localPath)
	}
	s.mu.Lock()
	s.staged[suffix] = f
	s.sizes[suffix] = size
	s.mu.Unlock()
	return store.Handle{ID: suffix, Name: name, Size: size}, nil
}

func (s *Store) Write(ctx context.Context, h store.Handle, p []byte) (int, error) {
	s.mu.Lock()
	f, ok := s.staged[h.ID]
	s.mu.Unlock()
	if !ok {
		return 0, cmn.New(cmn.KindIO, "rsync store %q: unknown staging handle %q", s.name, h.ID)
	}
	n, err := f.Write(p)
	if err != nil {
		return n, cmn.Wrap(cmn.KindIO, err, "writing local rsync staging file")
	}
	return n, nil
}

// Commit pushes the local staged file to the remote root via rsync
// over ssh, then checksums the local copy (standing in for the
// remote's measured checksum — the remote peer verifies independently
// on its own commit_transfer handler per §4.6).
func (s *Store) Commit(ctx context.Context, h store.Handle, kind cos.Kind) (string, cos.Cksum, error) {
	s.mu.Lock()
	f, ok := s.staged[h.ID]
	s.mu.Unlock()
	if !ok {
		return "", cos.Cksum{}, cmn.New(cmn.KindIO, "rsync store %q: unknown staging handle %q", s.name, h.ID)
	}
	if err := s.Ping(ctx); err != nil {
		return "", cos.Cksum{}, err
	}
	f.Close()
	localPath := f.Name()

	remotePath := filepath.Join(s.remoteRoot, h.Name)
	dest := fmt.Sprintf("%s:%s", s.host, remotePath)
	cmd := exec.CommandContext(ctx, "rsync", "-a", "--mkpath", localPath, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "rsync to %q failed: %s", dest, string(out))
	}

	lf, err := os.Open(localPath)
	if err != nil {
		return "", cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "reopening local rsync staging file for checksum")
	}
	measured, _, err := cos.Compute(kind, lf)
	lf.Close()
	os.Remove(localPath)
	s.mu.Lock()
	delete(s.staged, h.ID)
	delete(s.sizes, h.ID)
	s.mu.Unlock()
	if err != nil {
		return "", cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "checksumming rsync staged file")
	}
	return remotePath, measured, nil
}

func (s *Store) Abort(ctx context.Context, h store.Handle) error {
	s.mu.Lock()
	f, ok := s.staged[h.ID]
	delete(s.staged, h.ID)
	delete(s.sizes, h.ID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	path := f.Name()
	f.Close()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return cmn.Wrap(cmn.KindIO, err, "removing aborted rsync staging file %q", path)
	}
	return nil
}

func (s *Store) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	client, err := ssh.Dial("tcp", s.host, s.sshConfig)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindUnreachable, err, "dialing rsync store %q", s.name)
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, cmn.Wrap(cmn.KindUnreachable, err, "opening ssh session on %q", s.name)
	}
	pipe, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, cmn.Wrap(cmn.KindIO, err, "opening stdout pipe for %q", path)
	}
	if err := session.Start(fmt.Sprintf("cat %q", path)); err != nil {
		session.Close()
		client.Close()
		return nil, cmn.Wrap(cmn.KindIO, err, "starting remote cat on %q", path)
	}
	return &remoteReader{ReadCloser: io.NopCloser(pipe), session: session, client: client}, nil
}

type remoteReader struct {
	io.ReadCloser
	session *ssh.Session
	client  *ssh.Client
}

func (r *remoteReader) Close() error {
	r.session.Close()
	return r.client.Close()
}

func (s *Store) Checksum(ctx context.Context, path string, kind cos.Kind) (cos.Cksum, error) {
	r, err := s.Open(ctx, path)
	if err != nil {
		return cos.Cksum{}, err
	}
	defer r.Close()
	sum, _, err := cos.Compute(kind, r)
	if err != nil {
		return cos.Cksum{}, cmn.Wrap(cmn.KindIO, err, "checksumming remote %q", path)
	}
	return sum, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	client, err := ssh.Dial("tcp", s.host, s.sshConfig)
	if err != nil {
		return cmn.Wrap(cmn.KindUnreachable, err, "dialing rsync store %q", s.name)
	}
	defer client.Close()
	session, err := client.NewSession()
	if err != nil {
		return cmn.Wrap(cmn.KindUnreachable, err, "opening ssh session on %q", s.name)
	}
	defer session.Close()
	if err := session.Run(fmt.Sprintf("rm -f %q", path)); err != nil {
		return cmn.Wrap(cmn.KindIO, err, "deleting remote %q", path)
	}
	return nil
}

var _ store.Manager = (*Store)(nil)
