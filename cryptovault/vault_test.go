package cryptovault_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/vaultfs"
	"github.com/gobeaver/vaultfs/cryptovault"
	"github.com/gobeaver/vaultfs/driver/local"
	"github.com/gobeaver/vaultfs/vaultcrypto"
)

const passphrase = "correct horse battery staple"

var secret = vaultfs.NewPath("/secret", vaultfs.TypeDirectory)

type fixture struct {
	fs       afero.Fs
	backend  *local.Session
	registry *vaultfs.Registry
	overlay  vaultfs.Session
}

// newFixture creates a vault at /secret on an in-memory backend and a
// registry that discovers it.
func newFixture(t *testing.T, pass string) *fixture {
	t.Helper()
	ctx := context.Background()

	fs := afero.NewMemMapFs()
	backend := local.NewWithFs(fs, "mem:"+t.Name())

	v, err := cryptovault.Create(ctx, backend, secret, passphrase, cryptovault.WithScryptCost(1024))
	require.NoError(t, err)
	require.NoError(t, v.Close())

	registry, err := vaultfs.NewRegistry(vaultfs.WithDiscovery(
		cryptovault.NewProber(),
		cryptovault.NewLoader(cryptovault.StaticPassphrase(pass)),
	))
	require.NoError(t, err)
	t.Cleanup(func() { registry.Shutdown() })

	return &fixture{fs: fs, backend: backend, registry: registry, overlay: registry.Overlay(backend)}
}

func (f *fixture) write(t *testing.T, p, content string) {
	t.Helper()
	w, err := vaultfs.FeatureOf[vaultfs.Write](f.overlay, vaultfs.FeatureWrite)
	require.NoError(t, err)

	status := vaultfs.NewTransferStatus()
	status.Length = int64(len(content))
	out, err := w.Write(context.Background(), vaultfs.NewPath(p, vaultfs.TypeFile), status)
	require.NoError(t, err)
	_, err = io.WriteString(out, content)
	require.NoError(t, err)
	require.NoError(t, out.Close())
}

func (f *fixture) read(t *testing.T, p string) (string, error) {
	t.Helper()
	r, err := vaultfs.FeatureOf[vaultfs.Read](f.overlay, vaultfs.FeatureRead)
	require.NoError(t, err)

	in, err := r.Read(context.Background(), vaultfs.NewPath(p, vaultfs.TypeFile), vaultfs.NewTransferStatus())
	if err != nil {
		return "", err
	}
	defer in.Close()
	data, err := io.ReadAll(in)
	return string(data), err
}

func (f *fixture) list(t *testing.T, p string) map[string]vaultfs.Entry {
	t.Helper()
	l, err := vaultfs.FeatureOf[vaultfs.List](f.overlay, vaultfs.FeatureList)
	require.NoError(t, err)

	entries, err := l.List(context.Background(), vaultfs.NewPath(p, vaultfs.TypeDirectory))
	require.NoError(t, err)
	result := make(map[string]vaultfs.Entry, len(entries))
	for _, e := range entries {
		result[e.Path.Name()] = e
	}
	return result
}

func TestCreateWritesMarker(t *testing.T) {
	f := newFixture(t, passphrase)

	data, err := afero.ReadFile(f.fs, "/secret/"+cryptovault.DefaultMarkerName)
	require.NoError(t, err)

	m, err := cryptovault.ParseMarker(data)
	require.NoError(t, err)
	assert.Equal(t, cryptovault.MarkerVersion, m.Version)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, 1024, m.KDF.N)
}

func TestCreateExistingVault(t *testing.T) {
	f := newFixture(t, passphrase)

	_, err := cryptovault.Create(context.Background(), f.backend, secret, "other", cryptovault.WithScryptCost(1024))
	assert.ErrorIs(t, err, vaultfs.ErrVaultExists)
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t, passphrase)

	large := strings.Repeat("0123456789abcdef", vaultcrypto.ChunkSize/8)
	tests := []struct {
		name    string
		path    string
		content string
	}{
		{"small", "/secret/hello.txt", "hello vault"},
		{"empty", "/secret/empty.txt", ""},
		{"nested", "/secret/docs/2024/report.txt", "quarterly numbers"},
		{"multi chunk", "/secret/large.bin", large},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.write(t, tt.path, tt.content)

			got, err := f.read(t, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.content, got)
		})
	}
}

func TestBackendHoldsCiphertext(t *testing.T) {
	f := newFixture(t, passphrase)
	content := "the plaintext must never reach the backend"
	f.write(t, "/secret/plain-name.txt", content)

	infos, err := afero.ReadDir(f.fs, "/secret")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	var stored string
	for _, info := range infos {
		assert.NotEqual(t, "plain-name.txt", info.Name())
		if info.Name() != cryptovault.DefaultMarkerName {
			stored = info.Name()
		}
	}
	require.NotEmpty(t, stored)

	raw, err := afero.ReadFile(f.fs, "/secret/"+stored)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte(content)))
	assert.Equal(t, vaultcrypto.CiphertextSize(int64(len(content))), int64(len(raw)))
}

func TestOutsideVaultIsPlain(t *testing.T) {
	f := newFixture(t, passphrase)
	f.write(t, "/public/readme.txt", "not secret")

	raw, err := afero.ReadFile(f.fs, "/public/readme.txt")
	require.NoError(t, err)
	assert.Equal(t, "not secret", string(raw))
}

func TestListHidesMarkerAndReportsPlaintextSizes(t *testing.T) {
	f := newFixture(t, passphrase)
	f.write(t, "/secret/a.txt", "12345")
	f.write(t, "/secret/dir/b.txt", "b")

	entries := f.list(t, "/secret")
	require.Len(t, entries, 2)
	assert.NotContains(t, entries, cryptovault.DefaultMarkerName)
	assert.Equal(t, int64(5), entries["a.txt"].Attributes.Size)
	assert.True(t, entries["dir"].Path.IsDir())
	assert.Equal(t, "/secret/dir", entries["dir"].Path.Abs())

	nested := f.list(t, "/secret/dir")
	require.Contains(t, nested, "b.txt")
	assert.Equal(t, "/secret/dir/b.txt", nested["b.txt"].Path.Abs())
}

func TestListSkipsForeignEntries(t *testing.T) {
	f := newFixture(t, passphrase)
	f.write(t, "/secret/a.txt", "a")
	require.NoError(t, afero.WriteFile(f.fs, "/secret/not-encrypted!.txt", []byte("x"), 0644))

	entries := f.list(t, "/secret")
	assert.Len(t, entries, 1)
	assert.Contains(t, entries, "a.txt")
}

func TestAttributes(t *testing.T) {
	f := newFixture(t, passphrase)
	f.write(t, "/secret/a.txt", "abcdef")

	a, err := vaultfs.FeatureOf[vaultfs.AttributesFinder](f.overlay, vaultfs.FeatureAttributes)
	require.NoError(t, err)

	attrs, err := a.Find(context.Background(), vaultfs.NewPath("/secret/a.txt", vaultfs.TypeFile))
	require.NoError(t, err)
	assert.Equal(t, int64(6), attrs.Size)

	_, err = a.Find(context.Background(), vaultfs.NewPath("/secret/missing.txt", vaultfs.TypeFile))
	assert.True(t, vaultfs.IsNotExist(err))
}

func TestWriteStatus(t *testing.T) {
	f := newFixture(t, passphrase)

	w, err := vaultfs.FeatureOf[vaultfs.Write](f.overlay, vaultfs.FeatureWrite)
	require.NoError(t, err)
	assert.Equal(t, vaultfs.ChecksumXXHash, w.Checksum())
	assert.True(t, w.Random())

	status := vaultfs.NewTransferStatus()
	out, err := w.Write(context.Background(), vaultfs.NewPath("/secret/a.txt", vaultfs.TypeFile), status)
	require.NoError(t, err)
	_, err = io.WriteString(out, "data")
	require.NoError(t, err)
	require.NoError(t, out.Close())

	// the checksum describes the stored ciphertext
	stored, err := f.stored(t, "/secret")
	require.NoError(t, err)
	want, err := vaultfs.CalculateChecksum(bytes.NewReader(stored), vaultfs.ChecksumXXHash)
	require.NoError(t, err)
	assert.Equal(t, want, status.Checksum)
}

// stored returns the raw content of the single encrypted file in dir.
func (f *fixture) stored(t *testing.T, dir string) ([]byte, error) {
	t.Helper()
	infos, err := afero.ReadDir(f.fs, dir)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if !info.IsDir() && info.Name() != cryptovault.DefaultMarkerName {
			return afero.ReadFile(f.fs, dir+"/"+info.Name())
		}
	}
	return nil, errors.New("no encrypted file")
}

func TestRangedReadNotSupported(t *testing.T) {
	f := newFixture(t, passphrase)
	f.write(t, "/secret/a.txt", "abcdef")

	r, err := vaultfs.FeatureOf[vaultfs.Read](f.overlay, vaultfs.FeatureRead)
	require.NoError(t, err)

	p := vaultfs.NewPath("/secret/a.txt", vaultfs.TypeFile)
	offset, err := r.Offset(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, offset)

	status := vaultfs.NewTransferStatus()
	status.Offset = 2
	_, err = r.Read(context.Background(), p, status)
	assert.ErrorIs(t, err, vaultfs.ErrNotSupported)
}

func TestAppend(t *testing.T) {
	f := newFixture(t, passphrase)
	f.write(t, "/secret/a.txt", "12345")

	w, err := vaultfs.FeatureOf[vaultfs.Write](f.overlay, vaultfs.FeatureWrite)
	require.NoError(t, err)
	ctx := context.Background()
	p := vaultfs.NewPath("/secret/a.txt", vaultfs.TypeFile)

	a, err := w.Append(ctx, p, 10, nil)
	require.NoError(t, err)
	assert.False(t, a.Append)
	assert.Equal(t, int64(5), a.Size)

	cache := vaultfs.NewPathCache()
	cache.Put(p.Parent(), []vaultfs.Entry{{Path: p, Attributes: vaultfs.Attributes{Size: 7}}})
	a, err = w.Append(ctx, p, 10, cache)
	require.NoError(t, err)
	assert.False(t, a.Append)
	assert.Equal(t, int64(7), a.Size)

	a, err = w.Append(ctx, vaultfs.NewPath("/secret/missing.txt", vaultfs.TypeFile), 10, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.Size)
}

func TestMoveWithinVault(t *testing.T) {
	f := newFixture(t, passphrase)
	ctx := context.Background()
	f.write(t, "/secret/a.txt", "file content")
	f.write(t, "/secret/dir/child.txt", "child content")

	m, err := vaultfs.FeatureOf[vaultfs.Move](f.overlay, vaultfs.FeatureMove)
	require.NoError(t, err)

	moved, err := m.Move(ctx,
		vaultfs.NewPath("/secret/a.txt", vaultfs.TypeFile),
		vaultfs.NewPath("/secret/sub/b.txt", vaultfs.TypeFile),
		vaultfs.NewTransferStatus())
	require.NoError(t, err)
	assert.Equal(t, "/secret/sub/b.txt", moved.Abs())

	got, err := f.read(t, "/secret/sub/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "file content", got)
	_, err = f.read(t, "/secret/a.txt")
	assert.True(t, vaultfs.IsNotExist(err))

	_, err = m.Move(ctx,
		vaultfs.NewPath("/secret/dir", vaultfs.TypeDirectory),
		vaultfs.NewPath("/secret/renamed", vaultfs.TypeDirectory),
		vaultfs.NewTransferStatus())
	require.NoError(t, err)

	got, err = f.read(t, "/secret/renamed/child.txt")
	require.NoError(t, err)
	assert.Equal(t, "child content", got)
}

func TestMoveOutOfVaultRejected(t *testing.T) {
	f := newFixture(t, passphrase)
	f.write(t, "/secret/a.txt", "x")

	m, err := vaultfs.FeatureOf[vaultfs.Move](f.overlay, vaultfs.FeatureMove)
	require.NoError(t, err)

	_, err = m.Move(context.Background(),
		vaultfs.NewPath("/secret/a.txt", vaultfs.TypeFile),
		vaultfs.NewPath("/public/a.txt", vaultfs.TypeFile),
		vaultfs.NewTransferStatus())
	assert.ErrorIs(t, err, vaultfs.ErrNotSupported)
}

func TestTouch(t *testing.T) {
	f := newFixture(t, passphrase)

	tc, err := vaultfs.FeatureOf[vaultfs.Touch](f.overlay, vaultfs.FeatureTouch)
	require.NoError(t, err)
	_, err = tc.Touch(context.Background(), vaultfs.NewPath("/secret/empty.txt", vaultfs.TypeFile), vaultfs.NewTransferStatus())
	require.NoError(t, err)

	got, err := f.read(t, "/secret/empty.txt")
	require.NoError(t, err)
	assert.Empty(t, got)

	entries := f.list(t, "/secret")
	require.Contains(t, entries, "empty.txt")
	assert.Equal(t, int64(0), entries["empty.txt"].Attributes.Size)
}

func TestMkdir(t *testing.T) {
	f := newFixture(t, passphrase)

	d, err := vaultfs.FeatureOf[vaultfs.Directory](f.overlay, vaultfs.FeatureDirectory)
	require.NoError(t, err)
	dir, err := d.Mkdir(context.Background(), vaultfs.NewPath("/secret/photos", vaultfs.TypeDirectory), vaultfs.NewTransferStatus())
	require.NoError(t, err)
	assert.Equal(t, "/secret/photos", dir.Abs())

	ok, err := afero.DirExists(f.fs, "/secret/photos")
	require.NoError(t, err)
	assert.False(t, ok, "directory names are encrypted")

	entries := f.list(t, "/secret")
	require.Contains(t, entries, "photos")
	assert.True(t, entries["photos"].Path.IsDir())
}

func TestDelete(t *testing.T) {
	f := newFixture(t, passphrase)
	f.write(t, "/secret/a.txt", "a")
	f.write(t, "/secret/b.txt", "b")

	d, err := vaultfs.FeatureOf[vaultfs.Delete](f.overlay, vaultfs.FeatureDelete)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, d.Delete(ctx, []vaultfs.Path{vaultfs.NewPath("/secret/a.txt", vaultfs.TypeFile)}))
	_, err = f.read(t, "/secret/a.txt")
	assert.True(t, vaultfs.IsNotExist(err))

	entries := f.list(t, "/secret")
	assert.Len(t, entries, 1)
	assert.Contains(t, entries, "b.txt")

	// a deleted name can be written again
	f.write(t, "/secret/a.txt", "again")
	got, err := f.read(t, "/secret/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "again", got)

	err = d.Delete(ctx, []vaultfs.Path{secret})
	assert.ErrorIs(t, err, vaultfs.ErrNotSupported)
}

func TestWrongPassphrase(t *testing.T) {
	f := newFixture(t, "wrong passphrase")

	_, err := f.read(t, "/secret/a.txt")
	require.Error(t, err)
	assert.True(t, vaultfs.IsVaultUnavailable(err))
	assert.ErrorIs(t, err, vaultcrypto.ErrWrongPassphrase)

	// paths outside the vault are unaffected
	f.write(t, "/public/a.txt", "ok")
}

func TestEmptyPassphrase(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.read(t, "/secret/a.txt")
	assert.True(t, vaultfs.IsVaultUnavailable(err))
}

func TestClosedVaultUnavailable(t *testing.T) {
	ctx := context.Background()
	backend := local.NewWithFs(afero.NewMemMapFs(), "mem")

	v, err := cryptovault.Create(ctx, backend, secret, passphrase, cryptovault.WithScryptCost(1024))
	require.NoError(t, err)

	registry, err := vaultfs.NewRegistry()
	require.NoError(t, err)
	require.NoError(t, registry.Open(backend, v))
	overlay := registry.Overlay(backend)

	w, err := vaultfs.FeatureOf[vaultfs.Write](overlay, vaultfs.FeatureWrite)
	require.NoError(t, err)
	out, err := w.Write(ctx, vaultfs.NewPath("/secret/a.txt", vaultfs.TypeFile), vaultfs.NewTransferStatus())
	require.NoError(t, err)
	require.NoError(t, out.Close())

	require.NoError(t, v.Close())
	_, err = w.Write(ctx, vaultfs.NewPath("/secret/a.txt", vaultfs.TypeFile), vaultfs.NewTransferStatus())
	assert.True(t, vaultfs.IsVaultUnavailable(err))

	require.NoError(t, registry.Close(backend, secret))
}

func TestContentBoundToVault(t *testing.T) {
	fs := afero.NewMemMapFs()
	backend := local.NewWithFs(fs, "mem")

	params, err := vaultcrypto.NewKDFParams()
	require.NoError(t, err)
	params.N = 1024

	registry, err := vaultfs.NewRegistry()
	require.NoError(t, err)
	t.Cleanup(func() { registry.Shutdown() })

	// two vaults sharing key material but not their identity
	open := func(root, id string) {
		keys, err := vaultcrypto.DeriveKeys(passphrase, params)
		require.NoError(t, err)
		v, err := cryptovault.NewFromKeys(vaultfs.NewPath(root, vaultfs.TypeDirectory), id, keys)
		require.NoError(t, err)
		require.NoError(t, registry.Open(backend, v))
	}
	open("/one", "vault-one")
	open("/two", "vault-two")
	f := &fixture{fs: fs, backend: backend, registry: registry, overlay: registry.Overlay(backend)}

	f.write(t, "/one/a.txt", "bound")
	f.write(t, "/two/a.txt", "other")

	raw, err := f.stored(t, "/one")
	require.NoError(t, err)
	infos, err := afero.ReadDir(fs, "/two")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.NoError(t, afero.WriteFile(fs, "/two/"+infos[0].Name(), raw, 0644))

	_, err = f.read(t, "/two/a.txt")
	assert.ErrorIs(t, err, vaultcrypto.ErrDecryptionFailed)
}

func TestNestedVaults(t *testing.T) {
	f := newFixture(t, passphrase)
	ctx := context.Background()

	_, err := cryptovault.Create(ctx, f.backend, vaultfs.NewPath("/secret/inner", vaultfs.TypeDirectory), passphrase, cryptovault.WithScryptCost(1024))
	require.NoError(t, err)

	f.write(t, "/secret/inner/deep.txt", "deep")
	got, err := f.read(t, "/secret/inner/deep.txt")
	require.NoError(t, err)
	assert.Equal(t, "deep", got)

	v, err := f.registry.Find(ctx, f.backend, vaultfs.NewPath("/secret/inner/deep.txt", vaultfs.TypeFile))
	require.NoError(t, err)
	assert.Equal(t, "/secret/inner", v.Root().Abs())
}
