package cryptovault

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/gobeaver/vaultfs"
)

type vaultRead struct {
	vault *Vault
	proxy vaultfs.Read
}

func (f *vaultRead) Read(ctx context.Context, file vaultfs.Path, status *vaultfs.TransferStatus) (io.ReadCloser, error) {
	if status != nil && status.Offset > 0 {
		return nil, &vaultfs.VaultError{
			Op:   "read",
			Path: file.Abs(),
			Root: f.vault.root.Abs(),
			Err:  fmt.Errorf("%w: ranged read of encrypted file", vaultfs.ErrNotSupported),
		}
	}
	encrypted, err := f.vault.encryptPath(file)
	if err != nil {
		return nil, err
	}

	backend := status.Clone()
	backend.Length = -1
	in, err := f.proxy.Read(ctx, encrypted, backend)
	if err != nil {
		return nil, err
	}

	plain, err := f.vault.content.DecryptReader(in, f.vault.id)
	if err != nil {
		in.Close()
		return nil, &vaultfs.VaultError{Op: "read", Path: file.Abs(), Root: f.vault.root.Abs(), Err: err}
	}
	return &decryptingReader{Reader: plain, src: in}, nil
}

// Offset is false: encrypted content can only be read from the start.
func (f *vaultRead) Offset(ctx context.Context, file vaultfs.Path) (bool, error) {
	return false, nil
}

type decryptingReader struct {
	io.Reader
	src io.Closer
}

func (r *decryptingReader) Close() error {
	return r.src.Close()
}

type vaultWrite struct {
	vault *Vault
	proxy vaultfs.Write
}

func (f *vaultWrite) Write(ctx context.Context, file vaultfs.Path, status *vaultfs.TransferStatus) (io.WriteCloser, error) {
	encrypted, err := f.vault.encryptPath(file)
	if err != nil {
		return nil, err
	}

	backend := status.Clone()
	if backend.Length >= 0 {
		backend.Length = f.vault.content.CiphertextSize(backend.Length)
	}
	backend.Checksum = ""
	out, err := f.proxy.Write(ctx, encrypted, backend)
	if err != nil {
		return nil, err
	}

	enc, err := f.vault.content.EncryptWriter(out, f.vault.id)
	if err != nil {
		out.Close()
		return nil, &vaultfs.VaultError{Op: "write", Path: file.Abs(), Root: f.vault.root.Abs(), Err: err}
	}
	return &encryptingWriter{enc: enc, dst: out, status: status, backend: backend}, nil
}

// Append never resumes an encrypted upload. It reports the cleartext size
// of an existing file so callers can decide to overwrite.
func (f *vaultWrite) Append(ctx context.Context, file vaultfs.Path, length int64, cache *vaultfs.PathCache) (*vaultfs.Append, error) {
	if entry, ok := cache.Lookup(file); ok {
		return &vaultfs.Append{Size: entry.Attributes.Size}, nil
	}

	encrypted, err := f.vault.encryptPath(file)
	if err != nil {
		return nil, err
	}
	existing, err := f.proxy.Append(ctx, encrypted, f.vault.content.CiphertextSize(length), nil)
	if err != nil {
		return nil, err
	}
	if existing.Size == 0 {
		return &vaultfs.Append{}, nil
	}
	size, err := f.vault.content.PlaintextSize(existing.Size)
	if err != nil {
		// an interrupted upload; nothing to keep
		return &vaultfs.Append{}, nil
	}
	return &vaultfs.Append{Size: size}, nil
}

func (f *vaultWrite) Temporary() bool {
	return f.proxy.Temporary()
}

func (f *vaultWrite) Random() bool {
	return f.proxy.Random()
}

func (f *vaultWrite) Checksum() vaultfs.ChecksumAlgorithm {
	return f.proxy.Checksum()
}

type encryptingWriter struct {
	enc     io.WriteCloser
	dst     io.WriteCloser
	status  *vaultfs.TransferStatus
	backend *vaultfs.TransferStatus
}

func (w *encryptingWriter) Write(p []byte) (int, error) {
	return w.enc.Write(p)
}

func (w *encryptingWriter) Close() error {
	err := w.enc.Close()
	if cerr := w.dst.Close(); err == nil {
		err = cerr
	}
	if err == nil && w.status != nil {
		w.status.Checksum = w.backend.Checksum
	}
	return err
}

type vaultList struct {
	vault *Vault
	proxy vaultfs.List
}

// List returns the cleartext children of dir. The marker file is hidden;
// entries whose name or size cannot be decrypted are logged and skipped.
func (f *vaultList) List(ctx context.Context, dir vaultfs.Path) ([]vaultfs.Entry, error) {
	encrypted, err := f.vault.encryptPath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := f.proxy.List(ctx, encrypted)
	if err != nil {
		return nil, err
	}

	result := make([]vaultfs.Entry, 0, len(entries))
	for _, e := range entries {
		if f.vault.isMarker(e.Path) {
			continue
		}
		plain, err := f.vault.decryptChild(dir, e.Path)
		if err != nil {
			f.vault.logger.Warn("skipping undecryptable entry",
				slog.String("path", e.Path.Abs()),
				slog.String("error", err.Error()))
			continue
		}
		attrs := e.Attributes
		if !plain.IsDir() {
			size, err := f.vault.content.PlaintextSize(attrs.Size)
			if err != nil {
				f.vault.logger.Warn("skipping entry with invalid size",
					slog.String("path", plain.Abs()),
					slog.Int64("size", attrs.Size))
				continue
			}
			attrs.Size = size
			attrs.Checksum = ""
		}
		result = append(result, vaultfs.Entry{Path: plain, Attributes: attrs})
	}
	return result, nil
}

type vaultDelete struct {
	vault *Vault
	proxy vaultfs.Delete
}

func (f *vaultDelete) Delete(ctx context.Context, files []vaultfs.Path) error {
	encrypted := make([]vaultfs.Path, 0, len(files))
	for _, file := range files {
		if file.Equal(f.vault.root) {
			return &vaultfs.VaultError{
				Op:   "delete",
				Path: file.Abs(),
				Root: f.vault.root.Abs(),
				Err:  fmt.Errorf("%w: deleting an open vault root", vaultfs.ErrNotSupported),
			}
		}
		e, err := f.vault.encryptPath(file)
		if err != nil {
			return err
		}
		encrypted = append(encrypted, e)
	}

	err := f.proxy.Delete(ctx, encrypted)
	for _, file := range files {
		f.vault.cache.evict(file.Abs())
	}
	return err
}

func (f *vaultDelete) Recursive() bool {
	return f.proxy.Recursive()
}

type vaultMove struct {
	vault *Vault
	proxy vaultfs.Move
}

// Move renames within the vault. Names are encrypted segment by segment,
// so a moved directory keeps the encrypted names of its children.
func (f *vaultMove) Move(ctx context.Context, src, dst vaultfs.Path, status *vaultfs.TransferStatus) (vaultfs.Path, error) {
	encSrc, err := f.vault.encryptPath(src)
	if err != nil {
		return vaultfs.Path{}, err
	}
	encDst, err := f.vault.encryptPath(dst)
	if err != nil {
		return vaultfs.Path{}, err
	}

	moved, err := f.proxy.Move(ctx, encSrc, encDst, status)
	f.vault.cache.evict(src.Abs())
	if err != nil {
		return vaultfs.Path{}, err
	}
	return vaultfs.NewPath(dst.Abs(), moved.Type()), nil
}

func (f *vaultMove) Recursive() bool {
	return f.proxy.Recursive()
}

type vaultTouch struct {
	vault   *Vault
	session vaultfs.Session
}

// Touch creates an empty file. An empty encrypted file is not empty on the
// backend, so it is written through the session's Write capability.
func (f *vaultTouch) Touch(ctx context.Context, file vaultfs.Path, status *vaultfs.TransferStatus) (vaultfs.Path, error) {
	proxy, err := vaultfs.FeatureOf[vaultfs.Write](f.session, vaultfs.FeatureWrite)
	if err != nil {
		return vaultfs.Path{}, err
	}

	empty := status.Clone()
	empty.Length = 0
	w, err := (&vaultWrite{vault: f.vault, proxy: proxy}).Write(ctx, file, empty)
	if err != nil {
		return vaultfs.Path{}, err
	}
	if err := w.Close(); err != nil {
		return vaultfs.Path{}, err
	}
	return file, nil
}

type vaultAttributes struct {
	vault *Vault
	proxy vaultfs.AttributesFinder
}

func (f *vaultAttributes) Find(ctx context.Context, file vaultfs.Path) (*vaultfs.Attributes, error) {
	encrypted, err := f.vault.encryptPath(file)
	if err != nil {
		return nil, err
	}
	attrs, err := f.proxy.Find(ctx, encrypted)
	if err != nil {
		return nil, err
	}
	if file.IsDir() {
		return attrs, nil
	}

	result := *attrs
	result.Size, err = f.vault.content.PlaintextSize(attrs.Size)
	if err != nil {
		return nil, &vaultfs.VaultError{Op: "attributes", Path: file.Abs(), Root: f.vault.root.Abs(), Err: err}
	}
	result.Checksum = ""
	return &result, nil
}

type vaultDirectory struct {
	vault *Vault
	proxy vaultfs.Directory
}

func (f *vaultDirectory) Mkdir(ctx context.Context, dir vaultfs.Path, status *vaultfs.TransferStatus) (vaultfs.Path, error) {
	encrypted, err := f.vault.encryptPath(dir)
	if err != nil {
		return vaultfs.Path{}, err
	}
	if _, err := f.proxy.Mkdir(ctx, encrypted, status); err != nil {
		return vaultfs.Path{}, err
	}
	return vaultfs.NewPath(dir.Abs(), vaultfs.TypeDirectory), nil
}

var (
	_ vaultfs.Read             = (*vaultRead)(nil)
	_ vaultfs.Write            = (*vaultWrite)(nil)
	_ vaultfs.List             = (*vaultList)(nil)
	_ vaultfs.Delete           = (*vaultDelete)(nil)
	_ vaultfs.Move             = (*vaultMove)(nil)
	_ vaultfs.Touch            = (*vaultTouch)(nil)
	_ vaultfs.AttributesFinder = (*vaultAttributes)(nil)
	_ vaultfs.Directory        = (*vaultDirectory)(nil)
)
