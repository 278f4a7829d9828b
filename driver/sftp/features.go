package sftp

import (
	"context"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path"
	"sort"
	"time"

	"github.com/pkg/sftp"

	"github.com/gobeaver/vaultfs"
)

type reader struct {
	s *Session
}

func (f *reader) Read(ctx context.Context, file vaultfs.Path, status *vaultfs.TransferStatus) (io.ReadCloser, error) {
	client, err := f.s.conn()
	if err != nil {
		return nil, pathError("read", file, err)
	}

	fh, err := client.Open(f.s.full(file))
	if err != nil {
		return nil, f.s.fail(client, "read", file, err)
	}
	if status != nil && status.Offset > 0 {
		if _, err := fh.Seek(status.Offset, io.SeekStart); err != nil {
			fh.Close()
			return nil, f.s.fail(client, "read", file, err)
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

// Write opens the remote file, truncating it unless status resumes at an
// offset.
func (f *writer) Write(ctx context.Context, file vaultfs.Path, status *vaultfs.TransferStatus) (io.WriteCloser, error) {
	client, err := f.s.conn()
	if err != nil {
		return nil, pathError("write", file, err)
	}

	// Ensure the directory exists
	if err := client.MkdirAll(path.Dir(f.s.full(file))); err != nil {
		return nil, f.s.fail(client, "write", file, err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	resume := status != nil && status.Offset > 0
	if resume {
		flags = os.O_WRONLY
	}
	fh, err := client.OpenFile(f.s.full(file), flags)
	if err != nil {
		return nil, f.s.fail(client, "write", file, err)
	}
	if resume {
		if _, err := fh.Seek(status.Offset, io.SeekStart); err != nil {
			fh.Close()
			return nil, f.s.fail(client, "write", file, err)
		}
	}

	w := &checksumWriter{file: fh, client: client, s: f.s, path: file, status: status}
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
		return &vaultfs.Append{Append: entry.Attributes.Size < length, Size: entry.Attributes.Size}, nil
	}
	client, err := f.s.conn()
	if err != nil {
		return nil, pathError("append", file, err)
	}
	info, err := client.Stat(f.s.full(file))
	if err != nil {
		if os.IsNotExist(err) {
			return &vaultfs.Append{}, nil
		}
		return nil, f.s.fail(client, "append", file, err)
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

// checksumWriter hashes what it writes and reports the checksum in the
// transfer status on close. A checksum of a resumed write covers only the
// bytes written in this transfer.
type checksumWriter struct {
	file   *sftp.File
	client *sftp.Client
	s      *Session
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
		return w.s.fail(w.client, "write", w.path, err)
	}
	if w.status == nil {
		return nil
	}
	if w.hash != nil {
		w.status.Checksum = hex.EncodeToString(w.hash.Sum(nil))
	}
	if !w.status.ModTime.IsZero() {
		if err := w.client.Chtimes(w.s.full(w.path), w.status.ModTime, w.status.ModTime); err != nil {
			return w.s.fail(w.client, "write", w.path, err)
		}
	}
	return nil
}

type lister struct {
	s *Session
}

func (f *lister) List(ctx context.Context, dir vaultfs.Path) ([]vaultfs.Entry, error) {
	client, err := f.s.conn()
	if err != nil {
		return nil, pathError("list", dir, err)
	}
	infos, err := client.ReadDir(f.s.full(dir))
	if err != nil {
		return nil, f.s.fail(client, "list", dir, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	entries := make([]vaultfs.Entry, 0, len(infos))
	for _, info := range infos {
		typ := vaultfs.TypeFile
		if info.IsDir() {
			typ = vaultfs.TypeDirectory
		}
		entries = append(entries, vaultfs.Entry{
			Path: dir.Child(info.Name(), typ),
			Attributes: vaultfs.Attributes{
				Size:    info.Size(),
				ModTime: info.ModTime(),
			},
		})
	}
	return entries, nil
}

type deleter struct {
	s *Session
}

func (f *deleter) Delete(ctx context.Context, files []vaultfs.Path) error {
	client, err := f.s.conn()
	if err != nil {
		return err
	}
	for _, file := range files {
		if file.IsRoot() {
			return pathError("delete", file, vaultfs.ErrNotSupported)
		}

		info, err := client.Stat(f.s.full(file))
		if err != nil {
			return f.s.fail(client, "delete", file, err)
		}
		if info.IsDir() {
			err = removeAll(client, f.s.full(file))
		} else {
			err = client.Remove(f.s.full(file))
		}
		if err != nil {
			return f.s.fail(client, "delete", file, err)
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

// Move uses the server's native rename.
func (f *mover) Move(ctx context.Context, src, dst vaultfs.Path, status *vaultfs.TransferStatus) (vaultfs.Path, error) {
	client, err := f.s.conn()
	if err != nil {
		return vaultfs.Path{}, pathError("move", src, err)
	}

	// Create destination directory if needed
	if err := client.MkdirAll(path.Dir(f.s.full(dst))); err != nil {
		return vaultfs.Path{}, f.s.fail(client, "move", dst, err)
	}
	if err := client.Rename(f.s.full(src), f.s.full(dst)); err != nil {
		return vaultfs.Path{}, f.s.fail(client, "move", src, err)
	}
	return vaultfs.NewPath(dst.Abs(), src.Type()), nil
}

func (f *mover) Recursive() bool {
	return true
}

type toucher struct {
	s *Session
}

func (f *toucher) Touch(ctx context.Context, file vaultfs.Path, status *vaultfs.TransferStatus) (vaultfs.Path, error) {
	client, err := f.s.conn()
	if err != nil {
		return vaultfs.Path{}, pathError("touch", file, err)
	}
	full := f.s.full(file)

	_, err = client.Stat(full)
	if os.IsNotExist(err) {
		if err := client.MkdirAll(path.Dir(full)); err != nil {
			return vaultfs.Path{}, f.s.fail(client, "touch", file, err)
		}
		fh, err := client.OpenFile(full, os.O_WRONLY|os.O_CREATE)
		if err != nil {
			return vaultfs.Path{}, f.s.fail(client, "touch", file, err)
		}
		if err := fh.Close(); err != nil {
			return vaultfs.Path{}, f.s.fail(client, "touch", file, err)
		}
		if status == nil || status.ModTime.IsZero() {
			return file, nil
		}
	} else if err != nil {
		return vaultfs.Path{}, f.s.fail(client, "touch", file, err)
	}

	modTime := time.Now()
	if status != nil && !status.ModTime.IsZero() {
		modTime = status.ModTime
	}
	if err := client.Chtimes(full, modTime, modTime); err != nil {
		return vaultfs.Path{}, f.s.fail(client, "touch", file, err)
	}
	return file, nil
}

type attributes struct {
	s *Session
}

func (f *attributes) Find(ctx context.Context, file vaultfs.Path) (*vaultfs.Attributes, error) {
	client, err := f.s.conn()
	if err != nil {
		return nil, pathError("attributes", file, err)
	}
	info, err := client.Stat(f.s.full(file))
	if err != nil {
		return nil, f.s.fail(client, "attributes", file, err)
	}
	return &vaultfs.Attributes{Size: info.Size(), ModTime: info.ModTime()}, nil
}

type directory struct {
	s *Session
}

func (f *directory) Mkdir(ctx context.Context, dir vaultfs.Path, status *vaultfs.TransferStatus) (vaultfs.Path, error) {
	client, err := f.s.conn()
	if err != nil {
		return vaultfs.Path{}, pathError("mkdir", dir, err)
	}
	if err := client.MkdirAll(f.s.full(dir)); err != nil {
		return vaultfs.Path{}, f.s.fail(client, "mkdir", dir, err)
	}
	return vaultfs.NewPath(dir.Abs(), vaultfs.TypeDirectory), nil
}

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
