package vaultfs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// mockFS is an in-memory backend implementing every capability
type mockFS struct {
	id       string
	features *Features

	mu      sync.Mutex
	files   map[string][]byte
	dirs    map[string]bool
	deletes [][]string
}

func newMockFS(id string) *mockFS {
	m := &mockFS{
		id:    id,
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
	}
	m.features = NewFeatures()
	for _, t := range FeatureTypes() {
		m.features.Provide(t, m)
	}
	return m
}

func (m *mockFS) ID() string {
	return m.id
}

func (m *mockFS) Feature(t FeatureType, proxy Capability) Capability {
	return m.features.Lookup(t, proxy)
}

func (m *mockFS) put(p string, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[NewPath(p, TypeFile).Abs()] = []byte(data)
}

func (m *mockFS) get(p string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[NewPath(p, TypeFile).Abs()]
	return string(data), ok
}

func (m *mockFS) Read(ctx context.Context, file Path, status *TransferStatus) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[file.Abs()]
	if !ok {
		return nil, &VaultError{Op: "read", Path: file.Abs(), Err: ErrNotExist}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockFS) Offset(ctx context.Context, file Path) (bool, error) {
	return true, nil
}

type mockWriter struct {
	bytes.Buffer
	fs   *mockFS
	path string
}

func (w *mockWriter) Close() error {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	w.fs.files[w.path] = w.Bytes()
	return nil
}

func (m *mockFS) Write(ctx context.Context, file Path, status *TransferStatus) (io.WriteCloser, error) {
	return &mockWriter{fs: m, path: file.Abs()}, nil
}

func (m *mockFS) Append(ctx context.Context, file Path, length int64, cache *PathCache) (*Append, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[file.Abs()]
	if !ok {
		return &Append{}, nil
	}
	return &Append{Append: true, Size: int64(len(data))}, nil
}

func (m *mockFS) Temporary() bool {
	return true
}

func (m *mockFS) Random() bool {
	return false
}

func (m *mockFS) Checksum() ChecksumAlgorithm {
	return ChecksumSHA256
}

func (m *mockFS) List(ctx context.Context, dir Path) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []Entry
	for p, data := range m.files {
		file := NewPath(p, TypeFile)
		if file.Parent().Equal(dir) {
			entries = append(entries, Entry{Path: file, Attributes: Attributes{Size: int64(len(data))}})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path.Abs() < entries[j].Path.Abs()
	})
	return entries, nil
}

func (m *mockFS) Delete(ctx context.Context, files []Path) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := make([]string, 0, len(files))
	for _, f := range files {
		batch = append(batch, f.Abs())
		delete(m.files, f.Abs())
	}
	m.deletes = append(m.deletes, batch)
	return nil
}

func (m *mockFS) Recursive() bool {
	return true
}

func (m *mockFS) Move(ctx context.Context, src, dst Path, status *TransferStatus) (Path, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[src.Abs()]
	if !ok {
		return Path{}, &VaultError{Op: "move", Path: src.Abs(), Err: ErrNotExist}
	}
	delete(m.files, src.Abs())
	m.files[dst.Abs()] = data
	return dst, nil
}

func (m *mockFS) Touch(ctx context.Context, file Path, status *TransferStatus) (Path, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[file.Abs()] = nil
	return file, nil
}

func (m *mockFS) Find(ctx context.Context, file Path) (*Attributes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[file.Abs()]
	if !ok {
		return nil, &VaultError{Op: "find", Path: file.Abs(), Err: ErrNotExist}
	}
	return &Attributes{Size: int64(len(data))}, nil
}

func (m *mockFS) Mkdir(ctx context.Context, dir Path, status *TransferStatus) (Path, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[dir.Abs()] = true
	return dir, nil
}

// fakeVault tags content written through it with its root so tests can
// tell which vault handled an operation
type fakeVault struct {
	root   Path
	locked atomic.Bool
	closed atomic.Bool

	mu    sync.Mutex
	calls map[FeatureType]int
}

func newFakeVault(root string) *fakeVault {
	return &fakeVault{
		root:  NewPath(root, TypeDirectory),
		calls: make(map[FeatureType]int),
	}
}

func (v *fakeVault) Root() Path {
	return v.root
}

func (v *fakeVault) Contains(p Path) bool {
	return p.IsWithin(v.root)
}

func (v *fakeVault) tag() string {
	return "[" + v.root.Abs() + "]"
}

func (v *fakeVault) Feature(session Session, t FeatureType, proxy Capability) (Capability, error) {
	if v.locked.Load() || v.closed.Load() {
		return nil, &VaultError{Op: t.String(), Root: v.root.Abs(), Err: ErrVaultUnavailable}
	}
	v.mu.Lock()
	v.calls[t]++
	v.mu.Unlock()

	switch t {
	case FeatureWrite:
		return &taggedWrite{next: proxy.(Write), tag: v.tag()}, nil
	case FeatureRead:
		return &taggedRead{next: proxy.(Read), tag: v.tag()}, nil
	}
	return proxy, nil
}

func (v *fakeVault) Close() error {
	v.closed.Store(true)
	return nil
}

func (v *fakeVault) callCount(t FeatureType) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[t]
}

type taggedWrite struct {
	next Write
	tag  string
}

func (w *taggedWrite) Write(ctx context.Context, file Path, status *TransferStatus) (io.WriteCloser, error) {
	out, err := w.next.Write(ctx, file, status)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(out, w.tag); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *taggedWrite) Append(ctx context.Context, file Path, length int64, cache *PathCache) (*Append, error) {
	return &Append{Size: length}, nil
}

func (w *taggedWrite) Temporary() bool             { return false }
func (w *taggedWrite) Random() bool                { return true }
func (w *taggedWrite) Checksum() ChecksumAlgorithm { return ChecksumNone }

type taggedRead struct {
	next Read
	tag  string
}

func (r *taggedRead) Read(ctx context.Context, file Path, status *TransferStatus) (io.ReadCloser, error) {
	in, err := r.next.Read(ctx, file, status)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(string(data), r.tag) {
		return nil, errors.New("content not written through vault " + r.tag)
	}
	return io.NopCloser(strings.NewReader(strings.TrimPrefix(string(data), r.tag))), nil
}

func (r *taggedRead) Offset(ctx context.Context, file Path) (bool, error) {
	return false, nil
}

// markerProber finds vaults by a ".vault" file in the directory
type markerProber struct {
	mu     sync.Mutex
	probes map[string]int
	fail   map[string]error
}

func newMarkerProber() *markerProber {
	return &markerProber{
		probes: make(map[string]int),
		fail:   make(map[string]error),
	}
}

func (p *markerProber) Probe(ctx context.Context, session Session, dir Path) (*VaultConfig, error) {
	p.mu.Lock()
	p.probes[dir.Abs()]++
	err := p.fail[dir.Abs()]
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	marker := dir.Child(".vault", TypeFile)
	reader, err := FeatureOf[Read](session, FeatureRead)
	if err != nil {
		return nil, err
	}
	in, err := reader.Read(ctx, marker, NewTransferStatus())
	if IsNotExist(err) {
		return nil, ErrVaultNotFound
	}
	if err != nil {
		return nil, err
	}
	in.Close()
	return &VaultConfig{Root: dir, Marker: marker, Version: 1}, nil
}

func (p *markerProber) setFailure(dir string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fail, dir)
		return
	}
	p.fail[dir] = err
}

func (p *markerProber) count(dir string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes[dir]
}

// countingLoader opens fakeVaults and counts how many it created
type countingLoader struct {
	loads atomic.Int32

	mu  sync.Mutex
	err error
}

func (l *countingLoader) Load(ctx context.Context, session Session, cfg *VaultConfig) (Vault, error) {
	l.mu.Lock()
	err := l.err
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	l.loads.Add(1)
	return newFakeVault(cfg.Root.Abs()), nil
}

func (l *countingLoader) setError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}
