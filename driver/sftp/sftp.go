// Package sftp provides a vaultfs backend session over an SFTP server.
package sftp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gobeaver/vaultfs"
)

// ErrClosed is returned by sessions used after Close.
var ErrClosed = errors.New("sftp session closed")

// Config holds SFTP connection configuration
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey []byte // PEM encoded private key

	// KnownHostsFile verifies the server key. Dial refuses to connect
	// without it unless InsecureIgnoreHostKey is set.
	KnownHostsFile        string
	InsecureIgnoreHostKey bool

	BasePath string
}

// Session is a backend session over an SFTP connection. Dialed sessions
// reconnect after the connection is lost.
type Session struct {
	mu       sync.Mutex
	client   *sftp.Client
	sshConn  *ssh.Client
	config   *Config
	id       string
	basePath string
	checksum vaultfs.ChecksumAlgorithm
	logger   *slog.Logger
	features *vaultfs.Features
}

// Option configures a Session.
type Option func(*Session)

// WithBasePath roots the session at dir on the server.
func WithBasePath(dir string) Option {
	return func(s *Session) {
		s.basePath = dir
	}
}

// WithChecksum sets the checksum computed while writing.
// Default: vaultfs.ChecksumSHA256
func WithChecksum(algorithm vaultfs.ChecksumAlgorithm) Option {
	return func(s *Session) {
		s.checksum = algorithm
	}
}

// WithLogger sets the logger for connection events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// Dial connects to the server in cfg.
func Dial(cfg Config, opts ...Option) (*Session, error) {
	if cfg.Host == "" {
		return nil, errors.New("SFTP host is required")
	}
	if cfg.KnownHostsFile == "" && !cfg.InsecureIgnoreHostKey {
		return nil, errors.New("SFTP known hosts file is required unless host key checking is disabled")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}

	s := newSession(cfg.Username+"@"+net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), append([]Option{WithBasePath(cfg.BasePath)}, opts...))
	s.config = &cfg
	if _, err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithClient creates a session over an established client. id must
// be unique among sessions sharing a registry.
func NewWithClient(client *sftp.Client, id string, opts ...Option) *Session {
	s := newSession(id, opts)
	s.client = client
	return s
}

func newSession(id string, opts []Option) *Session {
	s := &Session{
		id:       id,
		checksum: vaultfs.ChecksumSHA256,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.basePath == "" {
		s.basePath = "/"
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
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
	return "sftp:" + s.id + ":" + s.basePath
}

func (s *Session) Feature(t vaultfs.FeatureType, proxy vaultfs.Capability) vaultfs.Capability {
	return s.features.Lookup(t, proxy)
}

// connect establishes SSH and SFTP connections
func (s *Session) connect() (*sftp.Client, error) {
	sshConfig := &ssh.ClientConfig{
		User: s.config.Username,
	}
	if s.config.KnownHostsFile != "" {
		callback, err := knownhosts.New(s.config.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		sshConfig.HostKeyCallback = callback
	} else {
		s.logger.Warn("sftp host key checking disabled", slog.String("host", s.config.Host))
		sshConfig.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	if len(s.config.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(s.config.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signer))
	}
	if s.config.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth, ssh.Password(s.config.Password))
	}
	if len(sshConfig.Auth) == 0 {
		return nil, errors.New("no authentication method provided")
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	sshConn, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSH: %w", err)
	}

	client, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	s.sshConn = sshConn
	s.client = client
	return client, nil
}

// conn returns the live client, reconnecting a dialed session whose
// connection was lost.
func (s *Session) conn() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	if s.config == nil {
		return nil, ErrClosed
	}
	return s.connect()
}

// check drops client after a lost connection so the next operation
// reconnects. A client already replaced by a reconnect is left alone.
func (s *Session) check(client *sftp.Client, err error) {
	if !errors.Is(err, sftp.ErrSSHFxConnectionLost) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config == nil || s.client != client {
		return
	}
	s.closeLocked()
}

// Close closes the SFTP and SSH connections
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = nil
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	var errs []error
	if s.client != nil {
		errs = append(errs, s.client.Close())
		s.client = nil
	}
	if s.sshConn != nil {
		errs = append(errs, s.sshConn.Close())
		s.sshConn = nil
	}
	return errors.Join(errs...)
}

// full returns the server path of p.
func (s *Session) full(p vaultfs.Path) string {
	return path.Join(s.basePath, p.Abs())
}

// removeAll deletes dir and everything below it.
func removeAll(client *sftp.Client, dir string) error {
	entries, err := client.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		entryPath := path.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := removeAll(client, entryPath); err != nil {
				return err
			}
		} else if err := client.Remove(entryPath); err != nil {
			return err
		}
	}
	return client.RemoveDirectory(dir)
}

// pathError wraps err with the operation and path, mapping SFTP errors to
// the vaultfs sentinels.
func pathError(op string, p vaultfs.Path, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		err = vaultfs.ErrNotExist
	case errors.Is(err, os.ErrExist):
		err = vaultfs.ErrExist
	}
	return &vaultfs.VaultError{Op: op, Path: p.Abs(), Err: err}
}

// fail is pathError for errors returned by client.
func (s *Session) fail(client *sftp.Client, op string, p vaultfs.Path, err error) error {
	s.check(client, err)
	return pathError(op, p, err)
}
