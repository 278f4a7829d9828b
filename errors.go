package vaultfs

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNotExist     = errors.New("file does not exist")
	ErrExist        = errors.New("file already exists")
	ErrNotSupported = errors.New("operation not supported")

	// ErrVaultNotFound is returned by a Prober when a directory holds no
	// vault marker. Find never returns it; "no vault" resolves to NullVault.
	ErrVaultNotFound = errors.New("no vault found")
	// ErrResolution marks a failure while probing for a vault marker.
	// Such failures are never cached.
	ErrResolution = errors.New("vault resolution failed")
	// ErrVaultUnavailable is returned when a vault cannot be used because
	// its key material is missing or it has been closed.
	ErrVaultUnavailable = errors.New("vault unavailable")
	// ErrPathTranslation is returned when a plaintext/ciphertext mapping is
	// inconsistent with an earlier one.
	ErrPathTranslation = errors.New("path translation failed")
	// ErrVaultExists is returned when a different vault is already open at a root
	ErrVaultExists = errors.New("vault already open")
	// ErrVaultNotOpen is returned when closing a root with no open vault
	ErrVaultNotOpen = errors.New("vault not open")
)

// VaultError records an error together with the operation, the path it was
// attempted on and the root of the vault involved, if any.
type VaultError struct {
	Op   string
	Path string
	Root string
	Err  error
}

// Error implements the error interface
func (e *VaultError) Error() string {
	if e.Root == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s (vault %s): %v", e.Op, e.Path, e.Root, e.Err)
}

// Unwrap returns the underlying error
func (e *VaultError) Unwrap() error {
	return e.Err
}

// IsNotExist reports whether an error indicates that a file or directory
// does not exist
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// IsResolution reports whether err is a retryable vault probe failure
func IsResolution(err error) bool {
	return errors.Is(err, ErrResolution)
}

// IsVaultUnavailable reports whether err indicates a locked or closed vault
func IsVaultUnavailable(err error) bool {
	return errors.Is(err, ErrVaultUnavailable)
}

// IsPathTranslation reports whether err indicates an inconsistent path mapping
func IsPathTranslation(err error) bool {
	return errors.Is(err, ErrPathTranslation)
}
