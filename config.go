package vaultfs

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gobeaver/beaver-kit/config"
)

type Config struct {
	// Probe ancestor directories for vault markers
	AutoDiscovery bool `env:"VAULTFS_AUTO_DISCOVERY,default:true"`

	// File name of the vault marker in a vault root
	MarkerName string `env:"VAULTFS_MARKER_NAME,default:vault.yaml"`

	// Directories never probed for a marker
	ProbeExclude string `env:"VAULTFS_PROBE_EXCLUDE"` // comma-separated globs

	// Resolution cache shards
	CacheShards int `env:"VAULTFS_CACHE_SHARDS,default:32"`

	// Log level: debug, info, warn, error
	LogLevel string `env:"VAULTFS_LOG_LEVEL,default:info"`

	// Passphrase used to unlock discovered vaults when no other key
	// provider is configured
	Passphrase string `env:"VAULTFS_PASSPHRASE"`

	// S3 backend
	S3Region          string `env:"VAULTFS_S3_REGION,default:us-east-1"`
	S3Endpoint        string `env:"VAULTFS_S3_ENDPOINT"`
	S3AccessKeyID     string `env:"VAULTFS_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"VAULTFS_S3_SECRET_ACCESS_KEY"`
	S3ForcePathStyle  bool   `env:"VAULTFS_S3_FORCE_PATH_STYLE,default:false"`

	// SFTP backend
	SFTPPassword   string `env:"VAULTFS_SFTP_PASSWORD"`
	SFTPPrivateKey string `env:"VAULTFS_SFTP_PRIVATE_KEY"` // path to a PEM key file
	SFTPKnownHosts string `env:"VAULTFS_SFTP_KNOWN_HOSTS"`

	// SFTPInsecureHostKey accepts any server key when no known hosts file is set
	SFTPInsecureHostKey bool `env:"VAULTFS_SFTP_INSECURE_HOST_KEY,default:false"`
}

// GetConfig returns config loaded from environment
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Builder loads Config with a custom environment prefix
type Builder struct {
	prefix string
}

// WithPrefix creates a new Builder with the specified prefix
func WithPrefix(prefix string) *Builder {
	return &Builder{prefix: prefix}
}

// Config loads the configuration using the builder's prefix
func (b *Builder) Config() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: b.prefix}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProbeExcludePatterns splits ProbeExclude into patterns.
func (c *Config) ProbeExcludePatterns() []string {
	if c.ProbeExclude == "" {
		return nil
	}
	patterns := strings.Split(c.ProbeExclude, ",")
	result := patterns[:0]
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// validateConfig checks configuration validity
func validateConfig(cfg *Config) error {
	if cfg.MarkerName == "" {
		return errors.New("marker name is required")
	}
	if strings.Contains(cfg.MarkerName, "/") {
		return fmt.Errorf("marker name must not contain '/': %s", cfg.MarkerName)
	}
	if cfg.CacheShards < 1 {
		return fmt.Errorf("cache shards must be positive (got %d)", cfg.CacheShards)
	}
	if _, err := cfg.Level(); err != nil {
		return err
	}
	return nil
}

// NewRegistryFromConfig creates a registry configured by cfg. prober and
// loader are used when auto-discovery is enabled; opts are applied last.
func NewRegistryFromConfig(cfg *Config, prober Prober, loader Loader, opts ...RegistryOption) (*Registry, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	options := []RegistryOption{
		WithCacheShards(cfg.CacheShards),
		WithProbeExclude(cfg.ProbeExcludePatterns()...),
	}
	if cfg.AutoDiscovery {
		if prober == nil || loader == nil {
			return nil, errors.New("auto-discovery is enabled but no prober or loader was given")
		}
		options = append(options, WithDiscovery(prober, loader))
	}
	options = append(options, opts...)

	return NewRegistry(options...)
}
