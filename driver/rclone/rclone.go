// Package rclone provides a vaultfs backend session over any rclone remote.
package rclone

import (
	"context"
	"errors"
	"strings"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/hash"

	"github.com/gobeaver/vaultfs"
)

// Session is a backend session over an rclone fs.Fs.
type Session struct {
	fs       fs.Fs
	hash     hash.Type
	checksum vaultfs.ChecksumAlgorithm
	features *vaultfs.Features
}

// New creates a session for a remote path such as "gdrive:backup" or a
// local directory. The backend of the remote must be linked into the
// binary, for example with a blank import of
// github.com/rclone/rclone/backend/all.
func New(ctx context.Context, remote string) (*Session, error) {
	f, err := fs.NewFs(ctx, remote)
	if err != nil {
		return nil, err
	}
	return NewWithFs(f), nil
}

// NewWithFs creates a session over an existing rclone filesystem.
func NewWithFs(f fs.Fs) *Session {
	s := &Session{fs: f}
	s.hash, s.checksum = preferredHash(f.Hashes())

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

// ID identifies the remote by its config name and root.
func (s *Session) ID() string {
	return "rclone:" + s.fs.Name() + ":" + s.fs.Root()
}

func (s *Session) Feature(t vaultfs.FeatureType, proxy vaultfs.Capability) vaultfs.Capability {
	return s.features.Lookup(t, proxy)
}

// Fs returns the underlying rclone filesystem.
func (s *Session) Fs() fs.Fs {
	return s.fs
}

// preferredHash picks the checksum reported after uploads.
func preferredHash(set hash.Set) (hash.Type, vaultfs.ChecksumAlgorithm) {
	switch {
	case set.Contains(hash.MD5):
		return hash.MD5, vaultfs.ChecksumMD5
	case set.Contains(hash.SHA1):
		return hash.SHA1, vaultfs.ChecksumSHA1
	case set.Contains(hash.SHA256):
		return hash.SHA256, vaultfs.ChecksumSHA256
	default:
		return hash.None, vaultfs.ChecksumNone
	}
}

// remote converts a vaultfs path to an rclone remote name, which is
// relative and empty for the root.
func remote(p vaultfs.Path) string {
	return strings.TrimPrefix(p.Abs(), "/")
}

// pathError wraps err with the operation and path, mapping rclone errors
// to the vaultfs sentinels.
func pathError(op string, p vaultfs.Path, err error) error {
	switch {
	case errors.Is(err, fs.ErrorObjectNotFound), errors.Is(err, fs.ErrorDirNotFound):
		err = vaultfs.ErrNotExist
	case errors.Is(err, fs.ErrorCantMove), errors.Is(err, fs.ErrorCantDirMove):
		err = vaultfs.ErrNotSupported
	}
	return &vaultfs.VaultError{Op: op, Path: p.Abs(), Err: err}
}
