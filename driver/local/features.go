package local

import (
	"context"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/gobeaver/vaultfs"
)

type reader struct {
	s *Session
}

func (f *reader) Read(ctx context.Context, file vaultfs.Path, status *vaultfs.TransferStatus) (io.ReadCloser, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	fh, err := f.s.fs.Open(file.Abs())
	if err != nil {
		return nil, pathError("read", file, err)
	}
	if status != nil && status.Offset > 0 {
		if _, err := fh.Seek(status.Offset, io.SeekStart); err != nil {
			fh.Close()
			return nil, pathError("read", file, err)
		}
	}
	return fh, nil
}

func (f *reader) Offset(ctx context.Context, file vaultfs.Path) (bool, error) {
	return true, nil
}

type writer struct {
	s *Session
}

func (f *writer) Write(ctx context.Context, file vaultfs.Path, status *vaultfs.TransferStatus) (io.WriteCloser, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	// Ensure the directory exists
	if err := f.s.fs.MkdirAll(file.Parent().Abs(), 0755); err != nil {
		return nil, pathError("write", file, err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if status != nil && status.Offset > 0 {
		flags = os.O_WRONLY | os.O_APPEND
	}
	fh, err := f.s.fs.OpenFile(file.Abs(), flags, 0644)
	if err != nil {
		return nil, pathError("write", file, err)
	}

	w := &checksumWriter{file: fh, fs: f.s.fs, path: file, status: status}
	if f.s.checksum != vaultfs.ChecksumNone {
		h, err := vaultfs.NewHasher(f.s.checksum)
		if err != nil {
			fh.Close()
			return nil, err
		}
		w.hash = h
	}
	return w, nil
}

func (f *writer) Append(ctx context.Context, file vaultfs.Path, length int64, cache *vaultfs.PathCache) (*vaultfs.Append, error) {
	if entry, ok := cache.Lookup(file); ok {
		return &vaultfs.Append{Append: true, Size: entry.Attributes.Size}, nil
	}
	info, err := f.s.fs.Stat(file.Abs())
	if err != nil {
		if os.IsNotExist(err) {
			return &vaultfs.Append{}, nil
		}
		return nil, pathError("append", file, err)
	}
	return &vaultfs.Append{Append: info.Size() < length, Size: info.Size()}, nil
}

func (f *writer) Temporary() bool {
	return false
}

func (f *writer) Random() bool {
	return true
}

func (f *writer) Checksum() vaultfs.ChecksumAlgorithm {
	return f.s.checksum
}

// checksumWriter hashes what it writes and reports the checksum and
// modification time in the transfer status on close.
type checksumWriter struct {
	file   afero.File
	fs     afero.Fs
	path   vaultfs.Path
	hash   hash.Hash
	status *vaultfs.TransferStatus
}

func (w *checksumWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if w.hash != nil {
		w.hash.Write(p[:n])
	}
	return n, err
}

func (w *checksumWriter) Close() error {
	if err := w.file.Close(); err != nil {
		return pathError("write", w.path, err)
	}
	if w.status == nil {
		return nil
	}
	if w.hash != nil {
		w.status.Checksum = hex.EncodeToString(w.hash.Sum(nil))
	}
	if !w.status.ModTime.IsZero() {
		if err := w.fs.Chtimes(w.path.Abs(), w.status.ModTime, w.status.ModTime); err != nil {
			return pathError("write", w.path, err)
		}
	}
	return nil
}

type lister struct {
	s *Session
}

func (f *lister) List(ctx context.Context, dir vaultfs.Path) ([]vaultfs.Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	infos, err := afero.ReadDir(f.s.fs, dir.Abs())
	if err != nil {
		return nil, pathError("list", dir, err)
	}

	entries := make([]vaultfs.Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, vaultfs.Entry{
			Path: dir.Child(info.Name(), entryType(info)),
			Attributes: vaultfs.Attributes{
				Size:    info.Size(),
				ModTime: info.ModTime(),
			},
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path.Name() < entries[j].Path.Name()
	})
	return entries, nil
}

func entryType(info os.FileInfo) vaultfs.EntryType {
	typ := vaultfs.TypeFile
	if info.IsDir() {
		typ = vaultfs.TypeDirectory
	}
	if info.Mode()&os.ModeSymlink != 0 {
		typ |= vaultfs.TypeSymlink
	}
	return typ
}

type deleter struct {
	s *Session
}

func (f *deleter) Delete(ctx context.Context, files []vaultfs.Path) error {
	for _, file := range files {
		if err := checkContext(ctx); err != nil {
			return err
		}
		if file.IsRoot() {
			return pathError("delete", file, vaultfs.ErrNotSupported)
		}
		if _, err := f.s.fs.Stat(file.Abs()); err != nil {
			return pathError("delete", file, err)
		}
		if err := f.s.fs.RemoveAll(file.Abs()); err != nil {
			return pathError("delete", file, err)
		}
	}
	return nil
}

func (f *deleter) Recursive() bool {
	return true
}

type mover struct {
	s *Session
}

func (f *mover) Move(ctx context.Context, src, dst vaultfs.Path, status *vaultfs.TransferStatus) (vaultfs.Path, error) {
	if err := checkContext(ctx); err != nil {
		return vaultfs.Path{}, err
	}

	info, err := f.s.fs.Stat(src.Abs())
	if err != nil {
		return vaultfs.Path{}, pathError("move", src, err)
	}
	if err := f.s.fs.MkdirAll(dst.Parent().Abs(), 0755); err != nil {
		return vaultfs.Path{}, pathError("move", dst, err)
	}
	if err := f.s.fs.Rename(src.Abs(), dst.Abs()); err != nil {
		return vaultfs.Path{}, pathError("move", src, err)
	}
	return vaultfs.NewPath(dst.Abs(), entryType(info)), nil
}

func (f *mover) Recursive() bool {
	return true
}

type toucher struct {
	s *Session
}

func (f *toucher) Touch(ctx context.Context, file vaultfs.Path, status *vaultfs.TransferStatus) (vaultfs.Path, error) {
	if err := checkContext(ctx); err != nil {
		return vaultfs.Path{}, err
	}

	now := time.Now()
	if status != nil && !status.ModTime.IsZero() {
		now = status.ModTime
	}
	if _, err := f.s.fs.Stat(file.Abs()); err == nil {
		if err := f.s.fs.Chtimes(file.Abs(), now, now); err != nil {
			return vaultfs.Path{}, pathError("touch", file, err)
		}
		return file, nil
	}

	if err := f.s.fs.MkdirAll(file.Parent().Abs(), 0755); err != nil {
		return vaultfs.Path{}, pathError("touch", file, err)
	}
	fh, err := f.s.fs.Create(file.Abs())
	if err != nil {
		return vaultfs.Path{}, pathError("touch", file, err)
	}
	if err := fh.Close(); err != nil {
		return vaultfs.Path{}, pathError("touch", file, err)
	}
	return file, nil
}

type attributes struct {
	s *Session
}

func (f *attributes) Find(ctx context.Context, file vaultfs.Path) (*vaultfs.Attributes, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	info, err := f.s.fs.Stat(file.Abs())
	if err != nil {
		return nil, pathError("attributes", file, err)
	}
	return &vaultfs.Attributes{
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

type directory struct {
	s *Session
}

func (f *directory) Mkdir(ctx context.Context, dir vaultfs.Path, status *vaultfs.TransferStatus) (vaultfs.Path, error) {
	if err := checkContext(ctx); err != nil {
		return vaultfs.Path{}, err
	}

	if err := f.s.fs.MkdirAll(dir.Abs(), 0755); err != nil {
		return vaultfs.Path{}, pathError("mkdir", dir, err)
	}
	return vaultfs.NewPath(dir.Abs(), vaultfs.TypeDirectory), nil
}

// Ensure capabilities implement their interfaces
var (
	_ vaultfs.Read             = (*reader)(nil)
	_ vaultfs.Write            = (*writer)(nil)
	_ vaultfs.List             = (*lister)(nil)
	_ vaultfs.Delete           = (*deleter)(nil)
	_ vaultfs.Move             = (*mover)(nil)
	_ vaultfs.Touch            = (*toucher)(nil)
	_ vaultfs.AttributesFinder = (*attributes)(nil)
	_ vaultfs.Directory        = (*directory)(nil)
	_ vaultfs.Session          = (*Session)(nil)
)
