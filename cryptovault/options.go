package cryptovault

import (
	"log/slog"
)

// DefaultMarkerName is the file name of the vault marker in a vault root.
const DefaultMarkerName = "vault.yaml"

type options struct {
	markerName string
	logger     *slog.Logger
	scryptN    int
}

func defaultOptions() options {
	return options{
		markerName: DefaultMarkerName,
		logger:     slog.New(slog.DiscardHandler),
	}
}

// Option configures vaults, probers, loaders and Create.
type Option func(*options)

// WithMarkerName sets the marker file name. Default: vault.yaml
func WithMarkerName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.markerName = name
		}
	}
}

// WithLogger sets the logger for vault events. Default: discard
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithScryptCost overrides the scrypt N parameter of vaults made by Create.
// It must be a power of two greater than 1.
func WithScryptCost(n int) Option {
	return func(o *options) {
		o.scryptN = n
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
