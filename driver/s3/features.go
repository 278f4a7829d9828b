package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gobeaver/vaultfs"
)

// maxDeleteKeys is the DeleteObjects batch limit.
const maxDeleteKeys = 1000

type reader struct {
	s *Session
}

func (f *reader) Read(ctx context.Context, file vaultfs.Path, status *vaultfs.TransferStatus) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(f.s.bucket),
		Key:    aws.String(f.s.key(file)),
	}
	if status != nil && status.Offset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", status.Offset))
	}

	resp, err := f.s.client.GetObject(ctx, input)
	if err != nil {
		return nil, pathError("read", file, err)
	}
	return resp.Body, nil
}

func (f *reader) Offset(ctx context.Context, file vaultfs.Path) (bool, error) {
	return true, nil
}

type writer struct {
	s *Session
}

// Write buffers the object and uploads it with PutObject on close.
func (f *writer) Write(ctx context.Context, file vaultfs.Path, status *vaultfs.TransferStatus) (io.WriteCloser, error) {
	if status != nil && status.Offset > 0 {
		return nil, pathError("write", file, fmt.Errorf("%w: resuming uploads", vaultfs.ErrNotSupported))
	}
	return &uploadWriter{
		ctx:    ctx,
		s:      f.s,
		path:   file,
		hash:   sha256.New(),
		status: status,
	}, nil
}

// Append reports the size of an existing object. Objects are immutable,
// so Append is always false.
func (f *writer) Append(ctx context.Context, file vaultfs.Path, length int64, cache *vaultfs.PathCache) (*vaultfs.Append, error) {
	if entry, ok := cache.Lookup(file); ok {
		return &vaultfs.Append{Size: entry.Attributes.Size}, nil
	}
	resp, err := f.s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.s.bucket),
		Key:    aws.String(f.s.key(file)),
	})
	if isNotFound(err) {
		return &vaultfs.Append{}, nil
	}
	if err != nil {
		return nil, pathError("append", file, err)
	}
	return &vaultfs.Append{Size: aws.ToInt64(resp.ContentLength)}, nil
}

func (f *writer) Temporary() bool {
	return false
}

func (f *writer) Random() bool {
	return false
}

func (f *writer) Checksum() vaultfs.ChecksumAlgorithm {
	return vaultfs.ChecksumSHA256
}

type uploadWriter struct {
	ctx    context.Context
	s      *Session
	path   vaultfs.Path
	buf    bytes.Buffer
	hash   hash.Hash
	status *vaultfs.TransferStatus
	closed bool
}

func (w *uploadWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	w.hash.Write(p)
	return w.buf.Write(p)
}

func (w *uploadWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	input := &s3.PutObjectInput{
		Bucket:            aws.String(w.s.bucket),
		Key:               aws.String(w.s.key(w.path)),
		Body:              bytes.NewReader(w.buf.Bytes()),
		ContentLength:     aws.Int64(int64(w.buf.Len())),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	}
	if w.status != nil && len(w.status.Metadata) > 0 {
		input.Metadata = w.status.Metadata
	}
	if _, err := w.s.client.PutObject(w.ctx, input); err != nil {
		return pathError("write", w.path, err)
	}
	if w.status != nil {
		w.status.Checksum = hex.EncodeToString(w.hash.Sum(nil))
	}
	return nil
}

type lister struct {
	s *Session
}

// List returns the objects and common prefixes directly below dir.
func (f *lister) List(ctx context.Context, dir vaultfs.Path) ([]vaultfs.Entry, error) {
	prefix := f.s.dirKey(dir)
	paginator := s3.NewListObjectsV2Paginator(f.s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(f.s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var entries []vaultfs.Entry
	found := dir.IsRoot()
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, pathError("list", dir, err)
		}

		for _, p := range page.CommonPrefixes {
			found = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(p.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			entries = append(entries, vaultfs.Entry{Path: dir.Child(name, vaultfs.TypeDirectory)})
		}
		for _, obj := range page.Contents {
			found = true
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			// Skip the directory marker itself
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			entries = append(entries, vaultfs.Entry{
				Path: dir.Child(name, vaultfs.TypeFile),
				Attributes: vaultfs.Attributes{
					Size:    aws.ToInt64(obj.Size),
					ModTime: aws.ToTime(obj.LastModified),
				},
			})
		}
	}

	if !found {
		return nil, pathError("list", dir, vaultfs.ErrNotExist)
	}
	return entries, nil
}

// keys returns every object key below prefix.
func (s *Session) keys(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// deleteKeys removes keys in batches.
func (s *Session) deleteKeys(ctx context.Context, keys []string) error {
	for len(keys) > 0 {
		n := min(len(keys), maxDeleteKeys)
		objects := make([]types.ObjectIdentifier, n)
		for i, key := range keys[:n] {
			objects[i] = types.ObjectIdentifier{Key: aws.String(key)}
		}
		keys = keys[n:]

		resp, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Errors) > 0 {
			e := resp.Errors[0]
			return fmt.Errorf("delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return nil
}

type deleter struct {
	s *Session
}

// Delete removes objects, and directories with every key below them.
func (f *deleter) Delete(ctx context.Context, files []vaultfs.Path) error {
	for _, file := range files {
		if file.IsRoot() {
			return pathError("delete", file, vaultfs.ErrNotSupported)
		}

		if !file.IsDir() {
			key := f.s.key(file)
			if _, err := f.s.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(f.s.bucket),
				Key:    aws.String(key),
			}); err != nil {
				return pathError("delete", file, err)
			}
			if _, err := f.s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(f.s.bucket),
				Key:    aws.String(key),
			}); err != nil {
				return pathError("delete", file, err)
			}
			continue
		}

		keys, err := f.s.keys(ctx, f.s.dirKey(file))
		if err != nil {
			return pathError("delete", file, err)
		}
		if len(keys) == 0 {
			return pathError("delete", file, vaultfs.ErrNotExist)
		}
		if err := f.s.deleteKeys(ctx, keys); err != nil {
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

// Move copies each object to its new key and deletes the source.
func (f *mover) Move(ctx context.Context, src, dst vaultfs.Path, status *vaultfs.TransferStatus) (vaultfs.Path, error) {
	if !src.IsDir() {
		if _, err := f.s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(f.s.bucket),
			Key:    aws.String(f.s.key(src)),
		}); err != nil {
			return vaultfs.Path{}, pathError("move", src, err)
		}
		if err := f.s.copyObject(ctx, f.s.key(src), f.s.key(dst)); err != nil {
			return vaultfs.Path{}, pathError("move", src, err)
		}
		if _, err := f.s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(f.s.bucket),
			Key:    aws.String(f.s.key(src)),
		}); err != nil {
			return vaultfs.Path{}, pathError("move", src, err)
		}
		return vaultfs.NewPath(dst.Abs(), vaultfs.TypeFile), nil
	}

	srcPrefix, dstPrefix := f.s.dirKey(src), f.s.dirKey(dst)
	keys, err := f.s.keys(ctx, srcPrefix)
	if err != nil {
		return vaultfs.Path{}, pathError("move", src, err)
	}
	if len(keys) == 0 {
		return vaultfs.Path{}, pathError("move", src, vaultfs.ErrNotExist)
	}
	for _, key := range keys {
		if err := f.s.copyObject(ctx, key, dstPrefix+strings.TrimPrefix(key, srcPrefix)); err != nil {
			return vaultfs.Path{}, pathError("move", src, err)
		}
	}
	if err := f.s.deleteKeys(ctx, keys); err != nil {
		return vaultfs.Path{}, pathError("move", src, err)
	}
	return vaultfs.NewPath(dst.Abs(), vaultfs.TypeDirectory), nil
}

func (f *mover) Recursive() bool {
	return true
}

// copyObject copies srcKey to dstKey within the bucket.
func (s *Session) copyObject(ctx context.Context, srcKey, dstKey string) error {
	// S3 CopyObject requires source in "bucket/key" format
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + srcKey),
		Key:        aws.String(dstKey),
	})
	return err
}

type toucher struct {
	s *Session
}

// Touch creates an empty object, or refreshes the modification time of an
// existing one by copying it onto itself.
func (f *toucher) Touch(ctx context.Context, file vaultfs.Path, status *vaultfs.TransferStatus) (vaultfs.Path, error) {
	key := f.s.key(file)
	_, err := f.s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.s.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		_, err = f.s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            aws.String(f.s.bucket),
			CopySource:        aws.String(f.s.bucket + "/" + key),
			Key:               aws.String(key),
			MetadataDirective: types.MetadataDirectiveReplace,
		})
	case isNotFound(err):
		_, err = f.s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(f.s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(nil),
		})
	}
	if err != nil {
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

	resp, err := f.s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:       aws.String(f.s.bucket),
		Key:          aws.String(f.s.key(file)),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err == nil {
		return &vaultfs.Attributes{
			Size:     aws.ToInt64(resp.ContentLength),
			ModTime:  aws.ToTime(resp.LastModified),
			Checksum: hexChecksum(aws.ToString(resp.ChecksumSHA256)),
			Metadata: resp.Metadata,
		}, nil
	}
	if !isNotFound(err) {
		return nil, pathError("attributes", file, err)
	}

	// a directory exists when any key carries its prefix
	list, lerr := f.s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(f.s.bucket),
		Prefix:  aws.String(f.s.dirKey(file)),
		MaxKeys: aws.Int32(1),
	})
	if lerr != nil {
		return nil, pathError("attributes", file, lerr)
	}
	if len(list.Contents) == 0 {
		return nil, pathError("attributes", file, vaultfs.ErrNotExist)
	}
	return &vaultfs.Attributes{}, nil
}

// hexChecksum converts the base64 digest S3 reports into the hex form
// writes return. Composite multipart checksums do not decode and yield "".
func hexChecksum(b64 string) string {
	sum, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(sum) != sha256.Size {
		return ""
	}
	return hex.EncodeToString(sum)
}

type directory struct {
	s *Session
}

// Mkdir writes an empty "dir/" marker object.
func (f *directory) Mkdir(ctx context.Context, dir vaultfs.Path, status *vaultfs.TransferStatus) (vaultfs.Path, error) {
	_, err := f.s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(f.s.bucket),
		Key:         aws.String(f.s.dirKey(dir)),
		Body:        bytes.NewReader(nil),
		ContentType: aws.String("application/x-directory"),
	})
	if err != nil {
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
