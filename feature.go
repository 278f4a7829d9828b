package vaultfs

import (
	"context"
	"io"
	"maps"
	"sync"
	"time"
)

// FeatureType identifies a capability interface. The set is closed: every
// token has exactly one interface and one registry decorator.
type FeatureType int

const (
	FeatureRead FeatureType = iota + 1
	FeatureWrite
	FeatureList
	FeatureDelete
	FeatureMove
	FeatureTouch
	FeatureAttributes
	FeatureDirectory
)

var featureNames = map[FeatureType]string{
	FeatureRead:       "read",
	FeatureWrite:      "write",
	FeatureList:       "list",
	FeatureDelete:     "delete",
	FeatureMove:       "move",
	FeatureTouch:      "touch",
	FeatureAttributes: "attributes",
	FeatureDirectory:  "directory",
}

func (t FeatureType) String() string {
	if name, ok := featureNames[t]; ok {
		return name
	}
	return "unknown"
}

// FeatureTypes returns all capability tokens.
func FeatureTypes() []FeatureType {
	return []FeatureType{
		FeatureRead, FeatureWrite, FeatureList, FeatureDelete,
		FeatureMove, FeatureTouch, FeatureAttributes, FeatureDirectory,
	}
}

// Capability is an implementation of one of the capability interfaces
// below. The FeatureType it was requested with tells which one.
type Capability interface{}

// ============================================================================
// Transfer Data
// ============================================================================

// TransferStatus carries per-transfer parameters into a capability and
// results back out of it.
type TransferStatus struct {
	// Length is the number of bytes to transfer, -1 if unknown
	Length int64

	// Offset is the position to resume from
	Offset int64

	// Exists reports whether the target is known to exist already
	Exists bool

	// Checksum is filled in by Write implementations once the stream closes
	Checksum string

	// ModTime sets the modification time, zero means now
	ModTime time.Time

	// Metadata contains additional metadata for the file
	Metadata map[string]string
}

// NewTransferStatus returns a status with unknown length.
func NewTransferStatus() *TransferStatus {
	return &TransferStatus{Length: -1}
}

// Clone returns a copy that can be rewritten by a wrapping layer.
func (s *TransferStatus) Clone() *TransferStatus {
	if s == nil {
		return NewTransferStatus()
	}
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}

// Append is the answer to an append query.
type Append struct {
	// Append is true when writing can continue at Size
	Append bool
	// Size of the existing file, 0 if there is none
	Size int64
	// Checksum of the existing content, if known
	Checksum string
}

// Attributes is file metadata.
type Attributes struct {
	Size     int64
	ModTime  time.Time
	Checksum string
	Metadata map[string]string
}

// Entry is a listed path with its attributes.
type Entry struct {
	Path       Path
	Attributes Attributes
}

// PathCache holds directory listings so Append can answer without a
// round trip. A nil *PathCache is a valid, always-empty cache.
type PathCache struct {
	mu   sync.RWMutex
	dirs map[string][]Entry
}

// NewPathCache creates an empty listing cache.
func NewPathCache() *PathCache {
	return &PathCache{dirs: make(map[string][]Entry)}
}

// Get returns the cached listing of dir.
func (c *PathCache) Get(dir Path) ([]Entry, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries, ok := c.dirs[dir.Abs()]
	return entries, ok
}

// Put stores the listing of dir.
func (c *PathCache) Put(dir Path, entries []Entry) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirs[dir.Abs()] = entries
}

// Lookup finds file in the cached listing of its parent.
func (c *PathCache) Lookup(file Path) (Entry, bool) {
	entries, ok := c.Get(file.Parent())
	if !ok {
		return Entry{}, false
	}
	for _, e := range entries {
		if e.Path.Equal(file) {
			return e, true
		}
	}
	return Entry{}, false
}

// Invalidate drops the listing of dir.
func (c *PathCache) Invalidate(dir Path) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dirs, dir.Abs())
}

// ============================================================================
// Capability Interfaces
// ============================================================================

// Read streams file content.
type Read interface {
	// Read opens file for reading from status.Offset.
	Read(ctx context.Context, file Path, status *TransferStatus) (io.ReadCloser, error)

	// Offset reports whether reads of file can resume at an offset.
	Offset(ctx context.Context, file Path) (bool, error)
}

// Write streams file content.
type Write interface {
	// Write opens file for writing. The upload completes when the returned
	// writer is closed.
	Write(ctx context.Context, file Path, status *TransferStatus) (io.WriteCloser, error)

	// Append reports whether an upload of length bytes can continue an
	// existing file.
	Append(ctx context.Context, file Path, length int64, cache *PathCache) (*Append, error)

	// Temporary reports whether uploads go to a temporary name first.
	Temporary() bool

	// Random reports whether the backend supports random-access writes.
	Random() bool

	// Checksum returns the algorithm computed during upload.
	Checksum() ChecksumAlgorithm
}

// List enumerates a directory.
type List interface {
	List(ctx context.Context, dir Path) ([]Entry, error)
}

// Delete removes files and directories.
type Delete interface {
	Delete(ctx context.Context, files []Path) error

	// Recursive reports whether directories are removed with their contents.
	Recursive() bool
}

// Move renames a file or directory and returns the new path.
type Move interface {
	Move(ctx context.Context, src, dst Path, status *TransferStatus) (Path, error)

	// Recursive reports whether directories can be moved in one call.
	Recursive() bool
}

// Touch creates an empty file.
type Touch interface {
	Touch(ctx context.Context, file Path, status *TransferStatus) (Path, error)
}

// AttributesFinder reads file metadata.
type AttributesFinder interface {
	Find(ctx context.Context, file Path) (*Attributes, error)
}

// Directory creates directories.
type Directory interface {
	Mkdir(ctx context.Context, dir Path, status *TransferStatus) (Path, error)
}
