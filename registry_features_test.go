package vaultfs

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func overlayWithVault(t *testing.T, roots ...string) (*Registry, *mockFS, Session, []*fakeVault) {
	t.Helper()
	r := newTestRegistry(t)
	backend := newMockFS("s1")
	var vaults []*fakeVault
	for _, root := range roots {
		v := newFakeVault(root)
		if err := r.Open(backend, v); err != nil {
			t.Fatalf("Open(%s) failed: %v", root, err)
		}
		vaults = append(vaults, v)
	}
	return r, backend, r.Overlay(backend), vaults
}

func writeString(t *testing.T, s Session, p string, content string) {
	t.Helper()
	w, err := FeatureOf[Write](s, FeatureWrite)
	if err != nil {
		t.Fatalf("Write feature: %v", err)
	}
	out, err := w.Write(context.Background(), file(p), NewTransferStatus())
	if err != nil {
		t.Fatalf("Write(%s) failed: %v", p, err)
	}
	if _, err := io.WriteString(out, content); err != nil {
		t.Fatalf("write content: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
}

func readString(t *testing.T, s Session, p string) string {
	t.Helper()
	rd, err := FeatureOf[Read](s, FeatureRead)
	if err != nil {
		t.Fatalf("Read feature: %v", err)
	}
	in, err := rd.Read(context.Background(), file(p), NewTransferStatus())
	if err != nil {
		t.Fatalf("Read(%s) failed: %v", p, err)
	}
	defer in.Close()
	data, err := io.ReadAll(in)
	if err != nil {
		t.Fatalf("read content: %v", err)
	}
	return string(data)
}

func TestOverlayOutsideVaultIsTransparent(t *testing.T) {
	_, backend, fs, _ := overlayWithVault(t, "/vault")

	writeString(t, fs, "/plain/a.txt", "hello")

	stored, ok := backend.get("/plain/a.txt")
	if !ok || stored != "hello" {
		t.Errorf("backend content = %q, want unchanged", stored)
	}
	if got := readString(t, fs, "/plain/a.txt"); got != "hello" {
		t.Errorf("read back %q", got)
	}

	rd, _ := FeatureOf[Read](fs, FeatureRead)
	offset, err := rd.Offset(context.Background(), file("/plain/a.txt"))
	if err != nil || !offset {
		t.Errorf("Offset() outside vault = %v, %v; want backend value", offset, err)
	}
}

func TestOverlayInsideVaultUsesVaultCapability(t *testing.T) {
	_, backend, fs, vaults := overlayWithVault(t, "/vault")

	writeString(t, fs, "/vault/a.txt", "secret")

	stored, _ := backend.get("/vault/a.txt")
	if stored != "[/vault]secret" {
		t.Errorf("backend content = %q, expected vault transformation", stored)
	}
	if got := readString(t, fs, "/vault/a.txt"); got != "secret" {
		t.Errorf("read back %q, want secret", got)
	}
	if vaults[0].callCount(FeatureWrite) != 1 || vaults[0].callCount(FeatureRead) != 1 {
		t.Error("vault capabilities should be consulted once per call")
	}

	rd, _ := FeatureOf[Read](fs, FeatureRead)
	if offset, _ := rd.Offset(context.Background(), file("/vault/a.txt")); offset {
		t.Error("Offset() inside vault should come from the vault")
	}
}

func TestWriteDescriptorsPassThrough(t *testing.T) {
	_, backend, fs, vaults := overlayWithVault(t, "/")

	w, err := FeatureOf[Write](fs, FeatureWrite)
	if err != nil {
		t.Fatalf("Write feature: %v", err)
	}
	if _, ok := w.(*RegistryWrite); !ok {
		t.Fatalf("expected *RegistryWrite, got %T", w)
	}

	if w.Temporary() != backend.Temporary() {
		t.Error("Temporary() should come from the backend")
	}
	if w.Random() != backend.Random() {
		t.Error("Random() should come from the backend")
	}
	if w.Checksum() != backend.Checksum() {
		t.Errorf("Checksum() = %q, want %q", w.Checksum(), backend.Checksum())
	}
	if vaults[0].callCount(FeatureWrite) != 0 {
		t.Error("descriptor methods must not resolve a vault")
	}
}

func TestAppendDelegatesToVault(t *testing.T) {
	_, backend, fs, _ := overlayWithVault(t, "/vault")
	backend.put("/vault/a.txt", "[/vault]data")
	backend.put("/plain/a.txt", "data")

	w, _ := FeatureOf[Write](fs, FeatureWrite)
	ctx := context.Background()

	inside, err := w.Append(ctx, file("/vault/a.txt"), 42, nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if inside.Append || inside.Size != 42 {
		t.Errorf("Append() inside vault = %+v", inside)
	}

	outside, err := w.Append(ctx, file("/plain/a.txt"), 42, nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !outside.Append || outside.Size != 4 {
		t.Errorf("Append() outside vault = %+v", outside)
	}
}

func TestDeleteGroupsByVault(t *testing.T) {
	_, backend, fs, vaults := overlayWithVault(t, "/a", "/a/inner")
	for _, p := range []string{"/a/1", "/b/2", "/a/3", "/a/inner/4", "/b/5"} {
		backend.put(p, "x")
	}

	d, err := FeatureOf[Delete](fs, FeatureDelete)
	if err != nil {
		t.Fatalf("Delete feature: %v", err)
	}
	files := []Path{file("/a/1"), file("/b/2"), file("/a/3"), file("/a/inner/4"), file("/b/5")}
	if err := d.Delete(context.Background(), files); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	want := [][]string{
		{"/a/1", "/a/3"},
		{"/b/2", "/b/5"},
		{"/a/inner/4"},
	}
	if !reflect.DeepEqual(backend.deletes, want) {
		t.Errorf("delete batches = %v, want %v", backend.deletes, want)
	}
	if vaults[0].callCount(FeatureDelete) != 1 || vaults[1].callCount(FeatureDelete) != 1 {
		t.Error("each vault should be asked for its delete capability once")
	}
	if !d.Recursive() {
		t.Error("Recursive() should come from the backend")
	}
}

func TestMoveWithinVault(t *testing.T) {
	_, backend, fs, _ := overlayWithVault(t, "/a")
	backend.put("/a/src.txt", "x")

	m, _ := FeatureOf[Move](fs, FeatureMove)
	got, err := m.Move(context.Background(), file("/a/src.txt"), file("/a/sub/dst.txt"), NewTransferStatus())
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if got.Abs() != "/a/sub/dst.txt" {
		t.Errorf("Move() = %s", got)
	}
	if _, ok := backend.get("/a/sub/dst.txt"); !ok {
		t.Error("file should exist at target")
	}
}

func TestMoveAcrossVaultsRejected(t *testing.T) {
	_, backend, fs, _ := overlayWithVault(t, "/a", "/b")
	backend.put("/a/src.txt", "x")

	m, _ := FeatureOf[Move](fs, FeatureMove)
	ctx := context.Background()

	tests := []struct {
		name string
		dst  string
	}{
		{"other vault", "/b/dst.txt"},
		{"out of vault", "/plain/dst.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Move(ctx, file("/a/src.txt"), file(tt.dst), NewTransferStatus())
			if !errors.Is(err, ErrNotSupported) {
				t.Errorf("expected ErrNotSupported, got %v", err)
			}
		})
	}
	if _, ok := backend.get("/a/src.txt"); !ok {
		t.Error("source must be untouched after a rejected move")
	}
}

func TestOtherCapabilitiesResolveVault(t *testing.T) {
	_, backend, fs, vaults := overlayWithVault(t, "/v")
	backend.put("/v/a.txt", "abc")
	ctx := context.Background()

	l, _ := FeatureOf[List](fs, FeatureList)
	entries, err := l.List(ctx, dir("/v"))
	if err != nil || len(entries) != 1 {
		t.Errorf("List() = %v, %v", entries, err)
	}

	tc, _ := FeatureOf[Touch](fs, FeatureTouch)
	if _, err := tc.Touch(ctx, file("/v/b.txt"), NewTransferStatus()); err != nil {
		t.Errorf("Touch failed: %v", err)
	}

	a, _ := FeatureOf[AttributesFinder](fs, FeatureAttributes)
	attrs, err := a.Find(ctx, file("/v/a.txt"))
	if err != nil || attrs.Size != 3 {
		t.Errorf("Find() = %+v, %v", attrs, err)
	}

	md, _ := FeatureOf[Directory](fs, FeatureDirectory)
	if _, err := md.Mkdir(ctx, dir("/v/sub"), NewTransferStatus()); err != nil {
		t.Errorf("Mkdir failed: %v", err)
	}

	for _, ft := range []FeatureType{FeatureList, FeatureTouch, FeatureAttributes, FeatureDirectory} {
		if vaults[0].callCount(ft) != 1 {
			t.Errorf("%s: vault consulted %d times, want 1", ft, vaults[0].callCount(ft))
		}
	}
}

func TestBackendErrorsPassThrough(t *testing.T) {
	_, _, fs, _ := overlayWithVault(t, "/v")

	rd, _ := FeatureOf[Read](fs, FeatureRead)
	_, err := rd.Read(context.Background(), file("/v/missing.txt"), NewTransferStatus())
	if !IsNotExist(err) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestLockedVaultErrorPropagates(t *testing.T) {
	_, _, fs, vaults := overlayWithVault(t, "/v")
	vaults[0].locked.Store(true)

	w, _ := FeatureOf[Write](fs, FeatureWrite)
	_, err := w.Write(context.Background(), file("/v/a.txt"), NewTransferStatus())
	if !IsVaultUnavailable(err) {
		t.Errorf("expected ErrVaultUnavailable, got %v", err)
	}

	// paths outside the locked vault are unaffected
	if _, err := w.Write(context.Background(), file("/other/a.txt"), NewTransferStatus()); err != nil {
		t.Errorf("write outside vault failed: %v", err)
	}
}

func TestResolutionErrorPropagates(t *testing.T) {
	prober := newMarkerProber()
	prober.setFailure("/v", errors.New("timeout"))
	r := newTestRegistry(t, WithDiscovery(prober, &countingLoader{}))
	fs := r.Overlay(newMockFS("s1"))

	d, _ := FeatureOf[Delete](fs, FeatureDelete)
	err := d.Delete(context.Background(), []Path{file("/v/a.txt")})
	if !IsResolution(err) {
		t.Errorf("expected resolution error, got %v", err)
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("error should carry the probe failure: %v", err)
	}
}

func TestOverlayIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	backend := newMockFS("s1")

	fs := r.Overlay(backend)
	if r.Overlay(fs) != fs {
		t.Error("overlaying an overlay of the same registry should return it")
	}
	if fs.ID() != backend.ID() {
		t.Error("overlay should keep the backend session ID")
	}
}

func TestDecorateUnknownCapability(t *testing.T) {
	r := newTestRegistry(t)
	backend := newMockFS("s1")

	proxy := "not a capability"
	if got := r.Decorate(backend, FeatureRead, proxy); got != proxy {
		t.Errorf("Decorate() = %v, want proxy unchanged", got)
	}
	if got := r.Decorate(backend, FeatureType(99), backend); got != backend {
		t.Error("unknown feature types should return the proxy")
	}
}

func TestFeatureOfUnsupported(t *testing.T) {
	backend := newMockFS("s1")
	backend.features = NewFeatures()

	_, err := FeatureOf[Read](backend, FeatureRead)
	if !errors.Is(err, ErrNotSupported) {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
}
