// Package vaultcrypto provides the key derivation, content encryption and
// filename encryption used by cryptovault.
package vaultcrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	// KeySize is the AES-256 key size
	KeySize = 32

	// TweakSize is the EME tweak size
	TweakSize = 16

	// SaltSize is the size of a freshly generated KDF salt
	SaltSize = 32

	// Scrypt parameters for new vaults
	ScryptN = 32768 // CPU/memory cost parameter
	ScryptR = 8     // block size parameter
	ScryptP = 1     // parallelization parameter
)

// Errors
var (
	ErrInvalidKey        = errors.New("invalid key size")
	ErrEmptyPassphrase   = errors.New("empty passphrase")
	ErrWrongPassphrase   = errors.New("wrong passphrase")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrInvalidName       = errors.New("invalid encrypted name")
)

var checkLabel = []byte("vaultfs key check v1")

// KDFParams are the scrypt parameters stored in a vault marker.
type KDFParams struct {
	Salt []byte
	N    int
	R    int
	P    int
}

// NewKDFParams returns default parameters with a random salt.
func NewKDFParams() (KDFParams, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return KDFParams{}, fmt.Errorf("generate salt: %w", err)
	}
	return KDFParams{Salt: salt, N: ScryptN, R: ScryptR, P: ScryptP}, nil
}

// Keys is the key material of one vault.
type Keys struct {
	// Content encrypts file content
	Content []byte
	// Name encrypts file names
	Name []byte
	// NameTweak is the EME tweak for file names
	NameTweak []byte

	mac []byte
}

// DeriveKeys derives the vault keys from passphrase.
func DeriveKeys(passphrase string, params KDFParams) (*Keys, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if len(params.Salt) == 0 {
		return nil, errors.New("missing salt")
	}

	material, err := scrypt.Key([]byte(passphrase), params.Salt, params.N, params.R, params.P, 3*KeySize+TweakSize)
	if err != nil {
		return nil, fmt.Errorf("scrypt key derivation: %w", err)
	}

	return &Keys{
		Content:   material[:KeySize],
		Name:      material[KeySize : 2*KeySize],
		NameTweak: material[2*KeySize : 2*KeySize+TweakSize],
		mac:       material[2*KeySize+TweakSize:],
	}, nil
}

// Check returns the key check value stored in the marker. It reveals
// nothing about the keys but lets Verify detect a wrong passphrase.
func (k *Keys) Check() []byte {
	h := hmac.New(sha256.New, k.mac)
	h.Write(checkLabel)
	return h.Sum(nil)
}

// Verify compares check against the check value of k.
func (k *Keys) Verify(check []byte) error {
	if !hmac.Equal(k.Check(), check) {
		return ErrWrongPassphrase
	}
	return nil
}

// Wipe zeroes the key material.
func (k *Keys) Wipe() {
	for _, b := range [][]byte{k.Content, k.Name, k.NameTweak, k.mac} {
		clear(b)
	}
}
