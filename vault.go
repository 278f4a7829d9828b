package vaultfs

import (
	"context"
)

// Vault is an encryption context bound to a root directory.
//
// Feature returns the implementation of capability t to use for paths
// inside the vault. Implementations that need no transformation for t
// return proxy. A vault never stores the session it is handed.
type Vault interface {
	Root() Path
	Contains(p Path) bool
	Feature(session Session, t FeatureType, proxy Capability) (Capability, error)
	Close() error
}

// NullVault is the resolution result for paths outside every vault. Its
// Feature always returns the proxy.
var NullVault Vault = nullVault{}

type nullVault struct{}

func (nullVault) Root() Path {
	return Path{}
}

func (nullVault) Contains(Path) bool {
	return false
}

func (nullVault) Feature(_ Session, _ FeatureType, proxy Capability) (Capability, error) {
	return proxy, nil
}

func (nullVault) Close() error {
	return nil
}

func (nullVault) String() string {
	return "null vault"
}

// IsNull reports whether v is the NullVault.
func IsNull(v Vault) bool {
	_, ok := v.(nullVault)
	return ok
}

// VaultConfig is a decoded vault marker.
type VaultConfig struct {
	// Root is the directory holding the marker
	Root Path

	// Marker is the path of the marker file itself
	Marker Path

	// Version is the marker format version
	Version int

	// Params is the decoded marker body, interpreted by the Loader that
	// understands it
	Params any
}

// Prober looks for a vault marker in a directory. It returns
// ErrVaultNotFound if there is none; any other error is treated as a
// transient resolution failure.
type Prober interface {
	Probe(ctx context.Context, session Session, dir Path) (*VaultConfig, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, session Session, dir Path) (*VaultConfig, error)

func (f ProberFunc) Probe(ctx context.Context, session Session, dir Path) (*VaultConfig, error) {
	return f(ctx, session, dir)
}

// Loader opens the vault described by a marker, unlocking its key material.
type Loader interface {
	Load(ctx context.Context, session Session, cfg *VaultConfig) (Vault, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, session Session, cfg *VaultConfig) (Vault, error)

func (f LoaderFunc) Load(ctx context.Context, session Session, cfg *VaultConfig) (Vault, error) {
	return f(ctx, session, cfg)
}
