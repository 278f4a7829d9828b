package vaultfs

import (
	"context"
	"fmt"
	"io"
)

// ============================================================================
// Registry-Aware Capability Decorators
// ============================================================================
// Each decorator wraps the backend-native capability (the proxy). Methods
// that take a path resolve the governing vault and delegate to the vault's
// implementation of the same capability; descriptor methods go straight to
// the proxy. Errors are returned unchanged.

// featureFor resolves the vault of file and returns its implementation of t.
func featureFor[T any](ctx context.Context, registry *Registry, session Session, t FeatureType, file Path, proxy T) (T, error) {
	var zero T
	vault, err := registry.Find(ctx, session, file)
	if err != nil {
		return zero, err
	}
	c, err := vault.Feature(session, t, proxy)
	if err != nil {
		return zero, err
	}
	return as[T](t, c)
}

// RegistryRead resolves the vault for every read.
type RegistryRead struct {
	session  Session
	proxy    Read
	registry *Registry
}

// NewRegistryRead decorates proxy with vault resolution.
func NewRegistryRead(session Session, proxy Read, registry *Registry) *RegistryRead {
	return &RegistryRead{session: session, proxy: proxy, registry: registry}
}

func (f *RegistryRead) Read(ctx context.Context, file Path, status *TransferStatus) (io.ReadCloser, error) {
	reader, err := featureFor(ctx, f.registry, f.session, FeatureRead, file, f.proxy)
	if err != nil {
		return nil, err
	}
	return reader.Read(ctx, file, status)
}

func (f *RegistryRead) Offset(ctx context.Context, file Path) (bool, error) {
	reader, err := featureFor(ctx, f.registry, f.session, FeatureRead, file, f.proxy)
	if err != nil {
		return false, err
	}
	return reader.Offset(ctx, file)
}

// RegistryWrite resolves the vault for every write.
type RegistryWrite struct {
	session  Session
	proxy    Write
	registry *Registry
}

// NewRegistryWrite decorates proxy with vault resolution.
func NewRegistryWrite(session Session, proxy Write, registry *Registry) *RegistryWrite {
	return &RegistryWrite{session: session, proxy: proxy, registry: registry}
}

func (f *RegistryWrite) Write(ctx context.Context, file Path, status *TransferStatus) (io.WriteCloser, error) {
	writer, err := featureFor(ctx, f.registry, f.session, FeatureWrite, file, f.proxy)
	if err != nil {
		return nil, err
	}
	return writer.Write(ctx, file, status)
}

func (f *RegistryWrite) Append(ctx context.Context, file Path, length int64, cache *PathCache) (*Append, error) {
	writer, err := featureFor(ctx, f.registry, f.session, FeatureWrite, file, f.proxy)
	if err != nil {
		return nil, err
	}
	return writer.Append(ctx, file, length, cache)
}

func (f *RegistryWrite) Temporary() bool {
	return f.proxy.Temporary()
}

func (f *RegistryWrite) Random() bool {
	return f.proxy.Random()
}

func (f *RegistryWrite) Checksum() ChecksumAlgorithm {
	return f.proxy.Checksum()
}

// RegistryList resolves the vault of the listed directory.
type RegistryList struct {
	session  Session
	proxy    List
	registry *Registry
}

// NewRegistryList decorates proxy with vault resolution.
func NewRegistryList(session Session, proxy List, registry *Registry) *RegistryList {
	return &RegistryList{session: session, proxy: proxy, registry: registry}
}

func (f *RegistryList) List(ctx context.Context, dir Path) ([]Entry, error) {
	lister, err := featureFor(ctx, f.registry, f.session, FeatureList, dir, f.proxy)
	if err != nil {
		return nil, err
	}
	return lister.List(ctx, dir)
}

// RegistryDelete resolves the vault of each file. Files governed by the
// same vault are deleted in one delegated call.
type RegistryDelete struct {
	session  Session
	proxy    Delete
	registry *Registry
}

// NewRegistryDelete decorates proxy with vault resolution.
func NewRegistryDelete(session Session, proxy Delete, registry *Registry) *RegistryDelete {
	return &RegistryDelete{session: session, proxy: proxy, registry: registry}
}

func (f *RegistryDelete) Delete(ctx context.Context, files []Path) error {
	type batch struct {
		vault Vault
		files []Path
	}
	var batches []*batch
	byVault := make(map[string]*batch)

	for _, file := range files {
		vault, err := f.registry.Find(ctx, f.session, file)
		if err != nil {
			return err
		}
		key := vaultKey(vault)
		b, ok := byVault[key]
		if !ok {
			b = &batch{vault: vault}
			byVault[key] = b
			batches = append(batches, b)
		}
		b.files = append(b.files, file)
	}

	for _, b := range batches {
		c, err := b.vault.Feature(f.session, FeatureDelete, f.proxy)
		if err != nil {
			return err
		}
		deleter, err := as[Delete](FeatureDelete, c)
		if err != nil {
			return err
		}
		if err := deleter.Delete(ctx, b.files); err != nil {
			return err
		}
	}
	return nil
}

func (f *RegistryDelete) Recursive() bool {
	return f.proxy.Recursive()
}

// RegistryMove resolves the vaults of source and target. Moving across a
// vault boundary is not supported: the content would have to be
// re-encrypted.
type RegistryMove struct {
	session  Session
	proxy    Move
	registry *Registry
}

// NewRegistryMove decorates proxy with vault resolution.
func NewRegistryMove(session Session, proxy Move, registry *Registry) *RegistryMove {
	return &RegistryMove{session: session, proxy: proxy, registry: registry}
}

func (f *RegistryMove) Move(ctx context.Context, src, dst Path, status *TransferStatus) (Path, error) {
	srcVault, err := f.registry.Find(ctx, f.session, src)
	if err != nil {
		return Path{}, err
	}
	dstVault, err := f.registry.Find(ctx, f.session, dst)
	if err != nil {
		return Path{}, err
	}
	if vaultKey(srcVault) != vaultKey(dstVault) {
		return Path{}, &VaultError{
			Op:   "move",
			Path: src.Abs(),
			Root: srcVault.Root().Abs(),
			Err:  fmt.Errorf("%w: target %s is in a different vault", ErrNotSupported, dst.Abs()),
		}
	}

	c, err := srcVault.Feature(f.session, FeatureMove, f.proxy)
	if err != nil {
		return Path{}, err
	}
	mover, err := as[Move](FeatureMove, c)
	if err != nil {
		return Path{}, err
	}
	return mover.Move(ctx, src, dst, status)
}

func (f *RegistryMove) Recursive() bool {
	return f.proxy.Recursive()
}

// RegistryTouch resolves the vault of the created file.
type RegistryTouch struct {
	session  Session
	proxy    Touch
	registry *Registry
}

// NewRegistryTouch decorates proxy with vault resolution.
func NewRegistryTouch(session Session, proxy Touch, registry *Registry) *RegistryTouch {
	return &RegistryTouch{session: session, proxy: proxy, registry: registry}
}

func (f *RegistryTouch) Touch(ctx context.Context, file Path, status *TransferStatus) (Path, error) {
	toucher, err := featureFor(ctx, f.registry, f.session, FeatureTouch, file, f.proxy)
	if err != nil {
		return Path{}, err
	}
	return toucher.Touch(ctx, file, status)
}

// RegistryAttributes resolves the vault of the inspected file.
type RegistryAttributes struct {
	session  Session
	proxy    AttributesFinder
	registry *Registry
}

// NewRegistryAttributes decorates proxy with vault resolution.
func NewRegistryAttributes(session Session, proxy AttributesFinder, registry *Registry) *RegistryAttributes {
	return &RegistryAttributes{session: session, proxy: proxy, registry: registry}
}

func (f *RegistryAttributes) Find(ctx context.Context, file Path) (*Attributes, error) {
	finder, err := featureFor(ctx, f.registry, f.session, FeatureAttributes, file, f.proxy)
	if err != nil {
		return nil, err
	}
	return finder.Find(ctx, file)
}

// RegistryDirectory resolves the vault of the created directory.
type RegistryDirectory struct {
	session  Session
	proxy    Directory
	registry *Registry
}

// NewRegistryDirectory decorates proxy with vault resolution.
func NewRegistryDirectory(session Session, proxy Directory, registry *Registry) *RegistryDirectory {
	return &RegistryDirectory{session: session, proxy: proxy, registry: registry}
}

func (f *RegistryDirectory) Mkdir(ctx context.Context, dir Path, status *TransferStatus) (Path, error) {
	mkdir, err := featureFor(ctx, f.registry, f.session, FeatureDirectory, dir, f.proxy)
	if err != nil {
		return Path{}, err
	}
	return mkdir.Mkdir(ctx, dir, status)
}

// vaultKey identifies a vault without comparing Vault values, which may
// not be comparable. Two open vaults never share a root.
func vaultKey(v Vault) string {
	if IsNull(v) {
		return ""
	}
	return v.Root().Abs()
}

// Ensure decorators implement their capability interfaces
var (
	_ Read             = (*RegistryRead)(nil)
	_ Write            = (*RegistryWrite)(nil)
	_ List             = (*RegistryList)(nil)
	_ Delete           = (*RegistryDelete)(nil)
	_ Move             = (*RegistryMove)(nil)
	_ Touch            = (*RegistryTouch)(nil)
	_ AttributesFinder = (*RegistryAttributes)(nil)
	_ Directory        = (*RegistryDirectory)(nil)
)
