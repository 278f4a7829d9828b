// Package local provides a vaultfs backend session over an afero
// filesystem: the operating system below a root directory, or memory.
package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/gobeaver/vaultfs"
)

// Session is a backend session over an afero.Fs. Paths are slash paths
// relative to the filesystem root.
type Session struct {
	fs       afero.Fs
	id       string
	root     string
	checksum vaultfs.ChecksumAlgorithm
	features *vaultfs.Features
}

// Option configures a Session.
type Option func(*Session)

// WithChecksum sets the checksum computed while writing.
// Default: vaultfs.ChecksumXXHash
func WithChecksum(algorithm vaultfs.ChecksumAlgorithm) Option {
	return func(s *Session) {
		s.checksum = algorithm
	}
}

// New creates a session rooted at the OS directory root, creating it if
// needed.
func New(root string, opts ...Option) (*Session, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	// Ensure the root directory exists
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, err
	}

	s := NewWithFs(afero.NewBasePathFs(afero.NewOsFs(), absRoot), "local:"+absRoot, opts...)
	s.root = absRoot
	return s, nil
}

// NewWithFs creates a session over fs, for example afero.NewMemMapFs().
// id must be unique among sessions sharing a registry.
func NewWithFs(fs afero.Fs, id string, opts ...Option) *Session {
	s := &Session{
		fs:       fs,
		id:       id,
		checksum: vaultfs.ChecksumXXHash,
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
	return s.id
}

func (s *Session) Feature(t vaultfs.FeatureType, proxy vaultfs.Capability) vaultfs.Capability {
	return s.features.Lookup(t, proxy)
}

// Fs returns the underlying filesystem.
func (s *Session) Fs() afero.Fs {
	return s.fs
}

// Root returns the OS directory of a session made by New, "" otherwise.
func (s *Session) Root() string {
	return s.root
}

// pathError wraps err with the operation and path, mapping OS errors to
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

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
