package cryptovault

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gobeaver/vaultfs"
	"github.com/gobeaver/vaultfs/vaultcrypto"
)

// translationCache memoizes cleartext to ciphertext path mappings of one
// vault in both directions.
type translationCache struct {
	mu       sync.RWMutex
	toCipher map[string]string
	toClear  map[string]string
}

func newTranslationCache() *translationCache {
	return &translationCache{
		toCipher: make(map[string]string),
		toClear:  make(map[string]string),
	}
}

func (c *translationCache) ciphertext(plain string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.toCipher[plain]
	return s, ok
}

func (c *translationCache) plaintext(cipher string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.toClear[cipher]
	return s, ok
}

// put records plain <-> cipher. A mapping that contradicts an existing one
// is rejected.
func (c *translationCache) put(plain, cipher string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.toCipher[plain]; ok && existing != cipher {
		return fmt.Errorf("%s already maps to %s", plain, existing)
	}
	if existing, ok := c.toClear[cipher]; ok && existing != plain {
		return fmt.Errorf("%s already maps from %s", cipher, existing)
	}
	c.toCipher[plain] = cipher
	c.toClear[cipher] = plain
	return nil
}

// evict removes every mapping at or below the cleartext path plain.
func (c *translationCache) evict(plain string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := strings.TrimSuffix(plain, "/") + "/"
	for k, v := range c.toCipher {
		if k == plain || strings.HasPrefix(k, prefix) {
			delete(c.toCipher, k)
			delete(c.toClear, v)
		}
	}
}

func (c *translationCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.toCipher)
}

// encryptPath maps a cleartext path inside the vault to the path stored on
// the backend. The vault root maps to itself; every segment below it is
// encrypted on its own.
func (v *Vault) encryptPath(p vaultfs.Path) (vaultfs.Path, error) {
	rel, ok := p.Rel(v.root)
	if !ok {
		return vaultfs.Path{}, v.translationError(p, errors.New("outside vault root"))
	}
	if rel == "" {
		return vaultfs.NewPath(p.Abs(), p.Type()|vaultfs.TypeDirectory), nil
	}
	if cached, ok := v.cache.ciphertext(p.Abs()); ok {
		return vaultfs.NewPath(cached, p.Type()), nil
	}

	parent, err := v.encryptPath(p.Parent())
	if err != nil {
		return vaultfs.Path{}, err
	}
	name, err := v.names.EncryptName(p.Name())
	if err != nil {
		return vaultfs.Path{}, v.translationError(p, err)
	}
	encrypted := parent.Child(name, p.Type())

	if err := v.cache.put(p.Abs(), encrypted.Abs()); err != nil {
		return vaultfs.Path{}, v.translationError(p, err)
	}
	return encrypted, nil
}

// decryptChild maps a listed ciphertext entry of the cleartext directory
// dir back to its cleartext path.
func (v *Vault) decryptChild(dir vaultfs.Path, entry vaultfs.Path) (vaultfs.Path, error) {
	if cached, ok := v.cache.plaintext(entry.Abs()); ok {
		return vaultfs.NewPath(cached, entry.Type()), nil
	}

	name, err := v.names.DecryptName(entry.Name())
	if err != nil {
		return vaultfs.Path{}, err
	}
	if err := vaultcrypto.CheckName(name); err != nil {
		return vaultfs.Path{}, v.translationError(dir, err)
	}
	plain := dir.Child(name, entry.Type())

	if err := v.cache.put(plain.Abs(), entry.Abs()); err != nil {
		return vaultfs.Path{}, v.translationError(plain, err)
	}
	return plain, nil
}

func (v *Vault) translationError(p vaultfs.Path, err error) error {
	return &vaultfs.VaultError{
		Op:   "translate",
		Path: p.Abs(),
		Root: v.root.Abs(),
		Err:  fmt.Errorf("%w: %w", vaultfs.ErrPathTranslation, err),
	}
}
