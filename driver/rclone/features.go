package rclone

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/hash"
	"github.com/rclone/rclone/fs/operations"

	"github.com/gobeaver/vaultfs"
)

type reader struct {
	s *Session
}

func (f *reader) Read(ctx context.Context, file vaultfs.Path, status *vaultfs.TransferStatus) (io.ReadCloser, error) {
	obj, err := f.s.fs.NewObject(ctx, remote(file))
	if err != nil {
		return nil, pathError("read", file, err)
	}

	var options []fs.OpenOption
	if status != nil && status.Offset > 0 {
		options = append(options, &fs.RangeOption{Start: status.Offset, End: -1})
	}
	in, err := obj.Open(ctx, options...)
	if err != nil {
		return nil, pathError("read", file, err)
	}
	return in, nil
}

func (f *reader) Offset(ctx context.Context, file vaultfs.Path) (bool, error) {
	return true, nil
}

type writer struct {
	s *Session
}

// Write streams to the remote through operations.Rcat. The upload
// completes when the returned writer is closed.
func (f *writer) Write(ctx context.Context, file vaultfs.Path, status *vaultfs.TransferStatus) (io.WriteCloser, error) {
	if status != nil && status.Offset > 0 {
		return nil, pathError("write", file, fmt.Errorf("%w: resuming uploads", vaultfs.ErrNotSupported))
	}

	modTime := time.Now()
	if status != nil && !status.ModTime.IsZero() {
		modTime = status.ModTime
	}

	pr, pw := io.Pipe()
	w := &uploadWriter{
		ctx:    ctx,
		pw:     pw,
		path:   file,
		hash:   f.s.hash,
		status: status,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		w.obj, w.err = operations.Rcat(ctx, f.s.fs, remote(file), pr, modTime, nil)
		pr.CloseWithError(w.err)
	}()
	return w, nil
}

// Append reports the size of an existing object. Remotes cannot resume
// uploads, so Append is always false.
func (f *writer) Append(ctx context.Context, file vaultfs.Path, length int64, cache *vaultfs.PathCache) (*vaultfs.Append, error) {
	if entry, ok := cache.Lookup(file); ok {
		return &vaultfs.Append{Size: entry.Attributes.Size, Checksum: entry.Attributes.Checksum}, nil
	}
	obj, err := f.s.fs.NewObject(ctx, remote(file))
	if errors.Is(err, fs.ErrorObjectNotFound) {
		return &vaultfs.Append{}, nil
	}
	if err != nil {
		return nil, pathError("append", file, err)
	}
	return &vaultfs.Append{Size: obj.Size()}, nil
}

func (f *writer) Temporary() bool {
	return false
}

func (f *writer) Random() bool {
	return false
}

func (f *writer) Checksum() vaultfs.ChecksumAlgorithm {
	return f.s.checksum
}

type uploadWriter struct {
	ctx    context.Context
	pw     *io.PipeWriter
	path   vaultfs.Path
	hash   hash.Type
	status *vaultfs.TransferStatus

	done chan struct{}
	obj  fs.Object
	err  error
}

func (w *uploadWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *uploadWriter) Close() error {
	w.pw.Close()
	<-w.done
	if w.err != nil {
		return pathError("write", w.path, w.err)
	}
	if w.status != nil && w.hash != hash.None {
		sum, err := w.obj.Hash(w.ctx, w.hash)
		if err != nil && !errors.Is(err, hash.ErrUnsupported) {
			return pathError("write", w.path, err)
		}
		w.status.Checksum = sum
	}
	return nil
}

type lister struct {
	s *Session
}

func (f *lister) List(ctx context.Context, dir vaultfs.Path) ([]vaultfs.Entry, error) {
	entries, err := f.s.fs.List(ctx, remote(dir))
	if err != nil {
		return nil, pathError("list", dir, err)
	}

	result := make([]vaultfs.Entry, 0, len(entries))
	for _, entry := range entries {
		result = append(result, toEntry(ctx, dir, entry))
	}
	return result, nil
}

func toEntry(ctx context.Context, dir vaultfs.Path, entry fs.DirEntry) vaultfs.Entry {
	name := entry.Remote()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	if _, ok := entry.(fs.Directory); ok {
		return vaultfs.Entry{
			Path:       dir.Child(name, vaultfs.TypeDirectory),
			Attributes: vaultfs.Attributes{ModTime: entry.ModTime(ctx)},
		}
	}
	return vaultfs.Entry{
		Path: dir.Child(name, vaultfs.TypeFile),
		Attributes: vaultfs.Attributes{
			Size:    entry.Size(),
			ModTime: entry.ModTime(ctx),
		},
	}
}

type deleter struct {
	s *Session
}

// Delete removes objects, and directories with their content.
func (f *deleter) Delete(ctx context.Context, files []vaultfs.Path) error {
	for _, file := range files {
		if file.IsRoot() {
			return pathError("delete", file, vaultfs.ErrNotSupported)
		}

		if !file.IsDir() {
			obj, err := f.s.fs.NewObject(ctx, remote(file))
			if err == nil {
				if err := obj.Remove(ctx); err != nil {
					return pathError("delete", file, err)
				}
				continue
			}
			if !errors.Is(err, fs.ErrorIsDir) {
				return pathError("delete", file, err)
			}
		}
		if err := operations.Purge(ctx, f.s.fs, remote(file)); err != nil {
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

// Move renames a file with operations.MoveFile and a directory with the
// remote's server-side directory move.
func (f *mover) Move(ctx context.Context, src, dst vaultfs.Path, status *vaultfs.TransferStatus) (vaultfs.Path, error) {
	if src.IsDir() {
		dirMove := f.s.fs.Features().DirMove
		if dirMove == nil {
			return vaultfs.Path{}, pathError("move", src, fmt.Errorf("%w: directory move on %s", vaultfs.ErrNotSupported, f.s.fs.Name()))
		}
		if err := dirMove(ctx, f.s.fs, remote(src), remote(dst)); err != nil {
			return vaultfs.Path{}, pathError("move", src, err)
		}
		return vaultfs.NewPath(dst.Abs(), vaultfs.TypeDirectory), nil
	}

	if _, err := f.s.fs.NewObject(ctx, remote(src)); err != nil {
		return vaultfs.Path{}, pathError("move", src, err)
	}
	if err := operations.MoveFile(ctx, f.s.fs, f.s.fs, remote(dst), remote(src)); err != nil {
		return vaultfs.Path{}, pathError("move", src, err)
	}
	return vaultfs.NewPath(dst.Abs(), vaultfs.TypeFile), nil
}

func (f *mover) Recursive() bool {
	return f.s.fs.Features().DirMove != nil
}

type toucher struct {
	s *Session
}

func (f *toucher) Touch(ctx context.Context, file vaultfs.Path, status *vaultfs.TransferStatus) (vaultfs.Path, error) {
	modTime := time.Now()
	if status != nil && !status.ModTime.IsZero() {
		modTime = status.ModTime
	}

	obj, err := f.s.fs.NewObject(ctx, remote(file))
	if err == nil {
		if err := obj.SetModTime(ctx, modTime); err != nil && !errors.Is(err, fs.ErrorCantSetModTime) {
			return vaultfs.Path{}, pathError("touch", file, err)
		}
		return file, nil
	}
	if !errors.Is(err, fs.ErrorObjectNotFound) {
		return vaultfs.Path{}, pathError("touch", file, err)
	}

	if _, err := operations.Rcat(ctx, f.s.fs, remote(file), io.NopCloser(strings.NewReader("")), modTime, nil); err != nil {
		return vaultfs.Path{}, pathError("touch", file, err)
	}
	return file, nil
}

type attributes struct {
	s *Session
}

func (f *attributes) Find(ctx context.Context, file vaultfs.Path) (*vaultfs.Attributes, error) {
	if file.IsRoot() {
		return &vaultfs.Attributes{}, nil
	}

	obj, err := f.s.fs.NewObject(ctx, remote(file))
	if err == nil {
		return &vaultfs.Attributes{Size: obj.Size(), ModTime: obj.ModTime(ctx)}, nil
	}
	if !errors.Is(err, fs.ErrorIsDir) && !errors.Is(err, fs.ErrorObjectNotFound) {
		return nil, pathError("attributes", file, err)
	}

	// directories are found in the listing of their parent
	entries, lerr := f.s.fs.List(ctx, remote(file.Parent()))
	if lerr != nil {
		return nil, pathError("attributes", file, lerr)
	}
	for _, entry := range entries {
		if _, ok := entry.(fs.Directory); ok && entry.Remote() == remote(file) {
			return &vaultfs.Attributes{ModTime: entry.ModTime(ctx)}, nil
		}
	}
	return nil, pathError("attributes", file, err)
}

type directory struct {
	s *Session
}

func (f *directory) Mkdir(ctx context.Context, dir vaultfs.Path, status *vaultfs.TransferStatus) (vaultfs.Path, error) {
	if err := f.s.fs.Mkdir(ctx, remote(dir)); err != nil {
		return vaultfs.Path{}, pathError("mkdir", dir, err)
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
