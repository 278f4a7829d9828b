package cryptovault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/gobeaver/vaultfs"
	"github.com/gobeaver/vaultfs/vaultcrypto"
)

const (
	// MarkerVersion is the marker format written by Create
	MarkerVersion = 1

	// maxMarkerSize bounds how much of a marker file is read
	maxMarkerSize = 64 * 1024

	kdfScrypt   = "scrypt"
	cipherSuite = "aes256-gcm-chunked+eme"
)

// Marker is the content of the marker file in a vault root.
type Marker struct {
	Version int       `yaml:"version"`
	ID      string    `yaml:"id"`
	Cipher  string    `yaml:"cipher"`
	KDF     MarkerKDF `yaml:"kdf"`
	// Check is the base64 key check value of the derived keys
	Check string `yaml:"check"`
}

// MarkerKDF holds the key derivation parameters of a vault.
type MarkerKDF struct {
	Algorithm string `yaml:"algorithm"`
	Salt      string `yaml:"salt"` // base64
	N         int    `yaml:"n"`
	R         int    `yaml:"r"`
	P         int    `yaml:"p"`
}

// ParseMarker decodes and validates a marker file.
func ParseMarker(data []byte) (*Marker, error) {
	var m Marker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode marker: %w", err)
	}
	if m.Version != MarkerVersion {
		return nil, fmt.Errorf("unsupported marker version: %d", m.Version)
	}
	if m.Cipher != cipherSuite {
		return nil, fmt.Errorf("unsupported cipher: %q", m.Cipher)
	}
	if m.KDF.Algorithm != kdfScrypt {
		return nil, fmt.Errorf("unsupported key derivation: %q", m.KDF.Algorithm)
	}
	if m.ID == "" || m.Check == "" {
		return nil, errors.New("marker is missing id or check value")
	}
	return &m, nil
}

// Encode returns the YAML form of m.
func (m *Marker) Encode() ([]byte, error) {
	return yaml.Marshal(m)
}

// Params returns the key derivation parameters of m.
func (m *Marker) Params() (vaultcrypto.KDFParams, error) {
	salt, err := base64.StdEncoding.DecodeString(m.KDF.Salt)
	if err != nil {
		return vaultcrypto.KDFParams{}, fmt.Errorf("decode salt: %w", err)
	}
	return vaultcrypto.KDFParams{Salt: salt, N: m.KDF.N, R: m.KDF.R, P: m.KDF.P}, nil
}

// Prober finds vault markers. It implements vaultfs.Prober.
type Prober struct {
	opts options
}

// NewProber creates a prober looking for the configured marker name.
func NewProber(opts ...Option) *Prober {
	return &Prober{opts: applyOptions(opts)}
}

// Probe reads the marker in dir through the session's Read capability.
// A missing marker is vaultfs.ErrVaultNotFound; unreadable or invalid
// markers are returned as errors.
func (p *Prober) Probe(ctx context.Context, session vaultfs.Session, dir vaultfs.Path) (*vaultfs.VaultConfig, error) {
	reader, err := vaultfs.FeatureOf[vaultfs.Read](session, vaultfs.FeatureRead)
	if err != nil {
		return nil, err
	}

	markerPath := dir.Child(p.opts.markerName, vaultfs.TypeFile)
	in, err := reader.Read(ctx, markerPath, vaultfs.NewTransferStatus())
	if vaultfs.IsNotExist(err) {
		return nil, vaultfs.ErrVaultNotFound
	}
	if err != nil {
		return nil, err
	}
	defer in.Close()

	data, err := io.ReadAll(io.LimitReader(in, maxMarkerSize))
	if err != nil {
		return nil, err
	}
	m, err := ParseMarker(data)
	if err != nil {
		return nil, &vaultfs.VaultError{Op: "probe", Path: markerPath.Abs(), Root: dir.Abs(), Err: err}
	}

	p.opts.logger.Debug("vault marker found", slog.String("root", dir.Abs()), slog.String("id", m.ID))
	return &vaultfs.VaultConfig{
		Root:    vaultfs.NewPath(dir.Abs(), vaultfs.TypeDirectory),
		Marker:  markerPath,
		Version: m.Version,
		Params:  m,
	}, nil
}

// KeyProvider supplies the passphrase of a vault.
type KeyProvider interface {
	Passphrase(ctx context.Context, root vaultfs.Path) (string, error)
}

// PassphraseFunc adapts a function to the KeyProvider interface.
type PassphraseFunc func(ctx context.Context, root vaultfs.Path) (string, error)

func (f PassphraseFunc) Passphrase(ctx context.Context, root vaultfs.Path) (string, error) {
	return f(ctx, root)
}

// StaticPassphrase returns the same passphrase for every vault.
func StaticPassphrase(passphrase string) KeyProvider {
	return PassphraseFunc(func(context.Context, vaultfs.Path) (string, error) {
		return passphrase, nil
	})
}

// Loader unlocks vaults found by a Prober. It implements vaultfs.Loader.
type Loader struct {
	keys KeyProvider
	opts []Option
}

// NewLoader creates a loader that asks keys for passphrases.
func NewLoader(keys KeyProvider, opts ...Option) *Loader {
	return &Loader{keys: keys, opts: opts}
}

// Load derives the keys of the vault described by cfg and opens it. A
// missing or wrong passphrase is vaultfs.ErrVaultUnavailable.
func (l *Loader) Load(ctx context.Context, session vaultfs.Session, cfg *vaultfs.VaultConfig) (vaultfs.Vault, error) {
	m, ok := cfg.Params.(*Marker)
	if !ok {
		return nil, fmt.Errorf("unexpected vault config %T", cfg.Params)
	}
	return Unlock(ctx, cfg.Root, m, l.keys, l.opts...)
}

// Unlock opens the vault at root described by m.
func Unlock(ctx context.Context, root vaultfs.Path, m *Marker, keys KeyProvider, opts ...Option) (*Vault, error) {
	unavailable := func(err error) error {
		return &vaultfs.VaultError{Op: "unlock", Path: root.Abs(), Root: root.Abs(), Err: fmt.Errorf("%w: %w", vaultfs.ErrVaultUnavailable, err)}
	}

	if keys == nil {
		return nil, unavailable(errors.New("no key provider"))
	}
	passphrase, err := keys.Passphrase(ctx, root)
	if err != nil {
		return nil, unavailable(err)
	}
	if passphrase == "" {
		return nil, unavailable(vaultcrypto.ErrEmptyPassphrase)
	}

	params, err := m.Params()
	if err != nil {
		return nil, unavailable(err)
	}
	check, err := base64.StdEncoding.DecodeString(m.Check)
	if err != nil {
		return nil, unavailable(fmt.Errorf("decode check value: %w", err))
	}

	derived, err := vaultcrypto.DeriveKeys(passphrase, params)
	if err != nil {
		return nil, unavailable(err)
	}
	if err := derived.Verify(check); err != nil {
		derived.Wipe()
		return nil, unavailable(err)
	}
	return NewFromKeys(root, m.ID, derived, opts...)
}

// Create initializes a new vault at root: it creates the directory and
// writes a marker. The returned vault is open but not registered; callers
// register it with Registry.Open. session should be a backend session, not
// an overlay.
func Create(ctx context.Context, session vaultfs.Session, root vaultfs.Path, passphrase string, opts ...Option) (*Vault, error) {
	o := applyOptions(opts)
	root = vaultfs.NewPath(root.Abs(), vaultfs.TypeDirectory)

	_, err := NewProber(opts...).Probe(ctx, session, root)
	if err == nil {
		return nil, &vaultfs.VaultError{Op: "create", Path: root.Abs(), Root: root.Abs(), Err: vaultfs.ErrVaultExists}
	}
	if !errors.Is(err, vaultfs.ErrVaultNotFound) {
		return nil, err
	}

	params, err := vaultcrypto.NewKDFParams()
	if err != nil {
		return nil, err
	}
	if o.scryptN > 0 {
		params.N = o.scryptN
	}
	keys, err := vaultcrypto.DeriveKeys(passphrase, params)
	if err != nil {
		return nil, err
	}

	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("generate vault id: %w", err)
	}
	m := &Marker{
		Version: MarkerVersion,
		ID:      hex.EncodeToString(id),
		Cipher:  cipherSuite,
		KDF: MarkerKDF{
			Algorithm: kdfScrypt,
			Salt:      base64.StdEncoding.EncodeToString(params.Salt),
			N:         params.N,
			R:         params.R,
			P:         params.P,
		},
		Check: base64.StdEncoding.EncodeToString(keys.Check()),
	}
	data, err := m.Encode()
	if err != nil {
		return nil, err
	}

	if mkdir, err := vaultfs.FeatureOf[vaultfs.Directory](session, vaultfs.FeatureDirectory); err == nil {
		if _, err := mkdir.Mkdir(ctx, root, vaultfs.NewTransferStatus()); err != nil && !errors.Is(err, vaultfs.ErrExist) {
			return nil, err
		}
	}

	writer, err := vaultfs.FeatureOf[vaultfs.Write](session, vaultfs.FeatureWrite)
	if err != nil {
		return nil, err
	}
	status := vaultfs.NewTransferStatus()
	status.Length = int64(len(data))
	out, err := writer.Write(ctx, root.Child(o.markerName, vaultfs.TypeFile), status)
	if err != nil {
		return nil, err
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, err
	}

	o.logger.Info("vault created", slog.String("root", root.Abs()), slog.String("id", m.ID))
	return NewFromKeys(root, m.ID, keys, opts...)
}
