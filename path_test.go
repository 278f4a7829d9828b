package vaultfs

import (
	"reflect"
	"testing"
)

func TestNewPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"a", "/a"},
		{"/a/b/", "/a/b"},
		{"a//b", "/a/b"},
		{"/a/./b/../c", "/a/c"},
		{"/../a", "/a"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NewPath(tt.in, TypeFile).Abs(); got != tt.want {
				t.Errorf("NewPath(%q).Abs() = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPathZeroValue(t *testing.T) {
	var p Path
	if p.Abs() != "/" {
		t.Errorf("zero Path Abs() = %q, want /", p.Abs())
	}
	if !p.IsRoot() || !p.IsDir() {
		t.Error("zero Path should be the root directory")
	}
}

func TestPathParent(t *testing.T) {
	p := NewPath("/a/b/c.txt", TypeFile)

	parent := p.Parent()
	if parent.Abs() != "/a/b" {
		t.Errorf("Parent() = %q, want /a/b", parent.Abs())
	}
	if !parent.IsDir() {
		t.Error("parent should be a directory")
	}
	if got := Root().Parent(); !got.IsRoot() {
		t.Errorf("Root().Parent() = %q, want /", got.Abs())
	}
	if got := NewPath("/a", TypeFile).Parent(); !got.IsRoot() {
		t.Errorf("parent of /a = %q, want /", got.Abs())
	}
}

func TestPathChild(t *testing.T) {
	dir := NewPath("/vault", TypeDirectory)
	child := dir.Child("notes.txt", TypeFile)
	if child.Abs() != "/vault/notes.txt" {
		t.Errorf("Child() = %q", child.Abs())
	}
	if !child.IsFile() || child.IsDir() {
		t.Error("child should be a file")
	}
	if child.Name() != "notes.txt" {
		t.Errorf("Name() = %q", child.Name())
	}
	if Root().Child("x", TypeDirectory).Abs() != "/x" {
		t.Error("child of root should be /x")
	}
}

func TestPathIsWithin(t *testing.T) {
	tests := []struct {
		p, root string
		within  bool
		child   bool
	}{
		{"/a/b", "/a", true, true},
		{"/a", "/a", true, false},
		{"/ab", "/a", false, false},
		{"/a", "/a/b", false, false},
		{"/a", "/", true, true},
		{"/", "/", true, false},
	}

	for _, tt := range tests {
		p := NewPath(tt.p, TypeDirectory)
		root := NewPath(tt.root, TypeDirectory)
		if got := p.IsWithin(root); got != tt.within {
			t.Errorf("%s.IsWithin(%s) = %v, want %v", tt.p, tt.root, got, tt.within)
		}
		if got := p.IsChildOf(root); got != tt.child {
			t.Errorf("%s.IsChildOf(%s) = %v, want %v", tt.p, tt.root, got, tt.child)
		}
	}
}

func TestPathRel(t *testing.T) {
	root := NewPath("/vault", TypeDirectory)

	rel, ok := NewPath("/vault/a/b.txt", TypeFile).Rel(root)
	if !ok || rel != "a/b.txt" {
		t.Errorf("Rel() = %q, %v", rel, ok)
	}

	rel, ok = root.Rel(root)
	if !ok || rel != "" {
		t.Errorf("Rel(self) = %q, %v", rel, ok)
	}

	if _, ok := NewPath("/other/x", TypeFile).Rel(root); ok {
		t.Error("Rel() outside root should fail")
	}

	rel, ok = NewPath("/x/y", TypeFile).Rel(Root())
	if !ok || rel != "x/y" {
		t.Errorf("Rel(root) = %q, %v", rel, ok)
	}
}

func TestPathSegments(t *testing.T) {
	if got := NewPath("/a/b/c", TypeFile).Segments(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("Segments() = %v", got)
	}
	if got := Root().Segments(); got != nil {
		t.Errorf("root Segments() = %v, want nil", got)
	}
}

func TestPathEqualIgnoresType(t *testing.T) {
	if !NewPath("/a", TypeFile).Equal(NewPath("/a/", TypeDirectory)) {
		t.Error("paths with the same location should be equal")
	}
	if NewPath("/a", TypeFile).Equal(NewPath("/b", TypeFile)) {
		t.Error("different paths should not be equal")
	}
}

func TestPathSymlink(t *testing.T) {
	p := NewPath("/link", TypeSymlink|TypeDirectory)
	if !p.IsSymlink() || !p.IsDir() || p.IsFile() {
		t.Errorf("unexpected type flags %b", p.Type())
	}
}
