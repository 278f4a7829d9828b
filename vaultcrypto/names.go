package vaultcrypto

import (
	"crypto/aes"
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/rfjakob/eme"
)

// MaxNameSize is the largest padded name EME can encrypt.
const MaxNameSize = 2048

var nameEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// NameCipher encrypts single path segments with EME over AES-256. The
// same name always encrypts to the same string, and encrypted names only
// use [0-9a-v], so they are safe on case-insensitive backends.
type NameCipher struct {
	cipher *eme.EMECipher
	tweak  []byte
}

// NewNameCipher creates a name cipher from a 32-byte key and a 16-byte tweak.
func NewNameCipher(key, tweak []byte) (*NameCipher, error) {
	if len(key) != KeySize || len(tweak) != TweakSize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &NameCipher{cipher: eme.New(block), tweak: tweak}, nil
}

// CheckName reports whether name is usable as a single path segment.
func CheckName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: %q contains a separator", ErrInvalidName, name)
	}
	return nil
}

// EncryptName encrypts one path segment.
func (c *NameCipher) EncryptName(name string) (string, error) {
	if err := CheckName(name); err != nil {
		return "", err
	}
	padded := pad([]byte(name))
	if len(padded) > MaxNameSize {
		return "", fmt.Errorf("name too long: %d bytes", len(name))
	}
	encrypted := c.cipher.Encrypt(c.tweak, padded)
	return strings.ToLower(nameEncoding.EncodeToString(encrypted)), nil
}

// DecryptName reverses EncryptName.
func (c *NameCipher) DecryptName(encrypted string) (string, error) {
	raw, err := nameEncoding.DecodeString(strings.ToUpper(encrypted))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 || len(raw) > MaxNameSize {
		return "", fmt.Errorf("%w: bad length %d", ErrInvalidName, len(raw))
	}
	name, err := unpad(c.cipher.Decrypt(c.tweak, raw))
	if err != nil {
		return "", err
	}
	if err := CheckName(string(name)); err != nil {
		return "", err
	}
	return string(name), nil
}

// pad applies PKCS#7 padding to a multiple of the AES block size.
func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	for i := 0; i < n; i++ {
		out = append(out, byte(n))
	}
	return out
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidName)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrInvalidName)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrInvalidName)
		}
	}
	if n == len(b) {
		return nil, fmt.Errorf("%w: empty", ErrInvalidName)
	}
	return b[:len(b)-n], nil
}
