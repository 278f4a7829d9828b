package vaultfs

import (
	"fmt"
	"sync"
)

// Session is a connection to one storage endpoint.
//
// Feature returns the backend-native implementation of capability t, or
// proxy if the backend has no override. Sessions that belong to the same
// endpoint and share vault state must return the same ID.
type Session interface {
	ID() string
	Feature(t FeatureType, proxy Capability) Capability
}

// FeatureFactory builds a capability. It receives the fallback the caller
// passed to Session.Feature and may return it unchanged.
type FeatureFactory func(proxy Capability) Capability

// Features maps capability tokens to factories. Backends embed one to
// implement Session.Feature.
type Features struct {
	mu        sync.RWMutex
	factories map[FeatureType]FeatureFactory
}

// NewFeatures creates an empty feature table.
func NewFeatures() *Features {
	return &Features{
		factories: make(map[FeatureType]FeatureFactory),
	}
}

// Register installs factory for t, replacing any previous one.
func (f *Features) Register(t FeatureType, factory FeatureFactory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.factories[t] = factory
}

// Provide registers a fixed capability for t.
func (f *Features) Provide(t FeatureType, c Capability) {
	f.Register(t, func(Capability) Capability { return c })
}

// Lookup returns the capability registered for t, or proxy.
func (f *Features) Lookup(t FeatureType, proxy Capability) Capability {
	f.mu.RLock()
	factory, exists := f.factories[t]
	f.mu.RUnlock()

	if !exists {
		return proxy
	}
	if c := factory(proxy); c != nil {
		return c
	}
	return proxy
}

// Has reports whether t has a native implementation.
func (f *Features) Has(t FeatureType) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, exists := f.factories[t]
	return exists
}

// FeatureOf returns the native capability t of session as type T.
//
// Example:
//
//	reader, err := vaultfs.FeatureOf[vaultfs.Read](session, vaultfs.FeatureRead)
func FeatureOf[T any](s Session, t FeatureType) (T, error) {
	var zero T
	c := s.Feature(t, nil)
	if c == nil {
		return zero, &VaultError{Op: t.String(), Path: s.ID(), Err: ErrNotSupported}
	}
	typed, ok := c.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s capability has type %T", ErrNotSupported, t, c)
	}
	return typed, nil
}

// as narrows a capability returned by a vault to the interface the
// decorator expects.
func as[T any](t FeatureType, c Capability) (T, error) {
	typed, ok := c.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s capability has type %T", ErrNotSupported, t, c)
	}
	return typed, nil
}
