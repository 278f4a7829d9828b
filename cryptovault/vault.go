// Package cryptovault implements vaultfs.Vault with client-side encryption
// of file content and names, and the marker file that lets a registry
// discover vaults on a backend.
package cryptovault

import (
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/gobeaver/vaultfs"
	"github.com/gobeaver/vaultfs/vaultcrypto"
)

// ContentCipher encrypts file content. fileID is authenticated with every
// chunk so content cannot be moved between vaults.
type ContentCipher interface {
	EncryptWriter(dst io.Writer, fileID string) (io.WriteCloser, error)
	DecryptReader(src io.Reader, fileID string) (io.Reader, error)
	CiphertextSize(plain int64) int64
	PlaintextSize(stored int64) (int64, error)
}

// NameCodec encrypts single path segments. It must be deterministic.
type NameCodec interface {
	EncryptName(name string) (string, error)
	DecryptName(encrypted string) (string, error)
}

// Vault is an open encrypted directory tree.
type Vault struct {
	root    vaultfs.Path
	id      string
	content ContentCipher
	names   NameCodec
	keys    *vaultcrypto.Keys
	opts    options
	logger  *slog.Logger

	cache  *translationCache
	closed atomic.Bool
}

// New creates a vault rooted at root using the given ciphers. id binds
// content to this vault.
func New(root vaultfs.Path, id string, content ContentCipher, names NameCodec, opts ...Option) *Vault {
	o := applyOptions(opts)
	return &Vault{
		root:    vaultfs.NewPath(root.Abs(), vaultfs.TypeDirectory),
		id:      id,
		content: content,
		names:   names,
		opts:    o,
		logger:  o.logger.With(slog.String("vault", root.Abs())),
		cache:   newTranslationCache(),
	}
}

// NewFromKeys creates a vault with the reference ciphers of vaultcrypto.
// The keys are wiped when the vault is closed.
func NewFromKeys(root vaultfs.Path, id string, keys *vaultcrypto.Keys, opts ...Option) (*Vault, error) {
	content, err := vaultcrypto.NewStreamFactory(keys.Content)
	if err != nil {
		return nil, err
	}
	names, err := vaultcrypto.NewNameCipher(keys.Name, keys.NameTweak)
	if err != nil {
		return nil, err
	}
	v := New(root, id, content, names, opts...)
	v.keys = keys
	return v, nil
}

func (v *Vault) Root() vaultfs.Path {
	return v.root
}

// ID returns the vault identity stored in its marker.
func (v *Vault) ID() string {
	return v.id
}

func (v *Vault) Contains(p vaultfs.Path) bool {
	return p.IsWithin(v.root)
}

// Feature returns the vault's implementation of t wrapping proxy. A proxy
// that does not implement t is returned unchanged.
func (v *Vault) Feature(session vaultfs.Session, t vaultfs.FeatureType, proxy vaultfs.Capability) (vaultfs.Capability, error) {
	if v.closed.Load() {
		return nil, &vaultfs.VaultError{Op: t.String(), Path: v.root.Abs(), Root: v.root.Abs(), Err: vaultfs.ErrVaultUnavailable}
	}

	switch t {
	case vaultfs.FeatureRead:
		if p, ok := proxy.(vaultfs.Read); ok {
			return &vaultRead{vault: v, proxy: p}, nil
		}
	case vaultfs.FeatureWrite:
		if p, ok := proxy.(vaultfs.Write); ok {
			return &vaultWrite{vault: v, proxy: p}, nil
		}
	case vaultfs.FeatureList:
		if p, ok := proxy.(vaultfs.List); ok {
			return &vaultList{vault: v, proxy: p}, nil
		}
	case vaultfs.FeatureDelete:
		if p, ok := proxy.(vaultfs.Delete); ok {
			return &vaultDelete{vault: v, proxy: p}, nil
		}
	case vaultfs.FeatureMove:
		if p, ok := proxy.(vaultfs.Move); ok {
			return &vaultMove{vault: v, proxy: p}, nil
		}
	case vaultfs.FeatureTouch:
		return &vaultTouch{vault: v, session: session}, nil
	case vaultfs.FeatureAttributes:
		if p, ok := proxy.(vaultfs.AttributesFinder); ok {
			return &vaultAttributes{vault: v, proxy: p}, nil
		}
	case vaultfs.FeatureDirectory:
		if p, ok := proxy.(vaultfs.Directory); ok {
			return &vaultDirectory{vault: v, proxy: p}, nil
		}
	}
	return proxy, nil
}

// Close locks the vault. Capabilities obtained afterwards fail with
// vaultfs.ErrVaultUnavailable.
func (v *Vault) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	if v.keys != nil {
		v.keys.Wipe()
	}
	v.logger.Debug("vault locked", slog.Int("translations", v.cache.len()))
	return nil
}

func (v *Vault) isMarker(p vaultfs.Path) bool {
	return p.Parent().Equal(v.root) && p.Name() == v.opts.markerName
}

var _ vaultfs.Vault = (*Vault)(nil)
