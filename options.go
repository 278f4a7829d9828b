package vaultfs

import (
	"log/slog"
)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Prober looks for vault markers during resolution.
	// Auto-discovery is off when nil.
	Prober Prober

	// Loader opens discovered vaults. Required together with Prober.
	Loader Loader

	// AutoDiscovery enables probing ancestors for vault markers.
	// Default: true when a Prober is set
	AutoDiscovery bool

	// ProbeExclude lists glob patterns of directories that are never probed.
	// Patterns match the absolute path; "*" stops at "/", "**" does not.
	ProbeExclude []string

	// CacheShards is the number of independently locked resolution cache shards.
	// Default: 32
	CacheShards int

	// Logger receives registry events. Default: discard
	Logger *slog.Logger
}

// RegistryOption is a functional option for configuring a Registry.
type RegistryOption func(*RegistryOptions)

// WithDiscovery enables auto-discovery of vaults using prober and loader.
func WithDiscovery(prober Prober, loader Loader) RegistryOption {
	return func(o *RegistryOptions) {
		o.Prober = prober
		o.Loader = loader
		o.AutoDiscovery = true
	}
}

// WithAutoDiscovery enables or disables probing for vault markers.
func WithAutoDiscovery(enabled bool) RegistryOption {
	return func(o *RegistryOptions) {
		o.AutoDiscovery = enabled
	}
}

// WithProbeExclude adds glob patterns of directories never to probe.
func WithProbeExclude(patterns ...string) RegistryOption {
	return func(o *RegistryOptions) {
		o.ProbeExclude = append(o.ProbeExclude, patterns...)
	}
}

// WithCacheShards sets the number of resolution cache shards.
func WithCacheShards(n int) RegistryOption {
	return func(o *RegistryOptions) {
		o.CacheShards = n
	}
}

// WithLogger sets the logger for registry events.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(o *RegistryOptions) {
		o.Logger = logger
	}
}
