package vaultfs

import (
	"path"
	"strings"
)

// EntryType describes what a Path points at.
type EntryType uint8

const (
	// TypeFile marks a regular file
	TypeFile EntryType = 1 << iota
	// TypeDirectory marks a directory
	TypeDirectory
	// TypeSymlink marks a symbolic link; combined with TypeFile or TypeDirectory
	// to describe the link target
	TypeSymlink
)

// Path identifies a location on a backend. It is an immutable value:
// every method returns a new Path.
type Path struct {
	abs string
	typ EntryType
}

// NewPath returns a normalized absolute path of the given type.
//
// Example:
//
//	NewPath("a//b/", TypeDirectory).Abs() // "/a/b"
func NewPath(p string, typ EntryType) Path {
	return Path{abs: normalizePath(p), typ: typ}
}

// Root returns the backend root directory.
func Root() Path {
	return Path{abs: "/", typ: TypeDirectory}
}

// normalizePath ensures the path starts with "/" and has no trailing slash.
func normalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Abs returns the normalized absolute path.
func (p Path) Abs() string {
	if p.abs == "" {
		return "/"
	}
	return p.abs
}

func (p Path) String() string {
	return p.Abs()
}

// Type returns the entry type.
func (p Path) Type() EntryType {
	return p.typ
}

// Name returns the last segment, or "/" for the root.
func (p Path) Name() string {
	if p.IsRoot() {
		return "/"
	}
	return path.Base(p.Abs())
}

func (p Path) IsRoot() bool {
	return p.Abs() == "/"
}

func (p Path) IsDir() bool {
	return p.typ&TypeDirectory != 0 || p.IsRoot()
}

func (p Path) IsFile() bool {
	return p.typ&TypeFile != 0
}

func (p Path) IsSymlink() bool {
	return p.typ&TypeSymlink != 0
}

// Parent returns the enclosing directory. The parent of the root is the root.
func (p Path) Parent() Path {
	if p.IsRoot() {
		return Root()
	}
	return Path{abs: path.Dir(p.Abs()), typ: TypeDirectory}
}

// Child returns the path of name inside p.
func (p Path) Child(name string, typ EntryType) Path {
	return NewPath(path.Join(p.Abs(), name), typ)
}

// Segments returns the path components below the root.
func (p Path) Segments() []string {
	if p.IsRoot() {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p.Abs(), "/"), "/")
}

// Equal reports whether both paths name the same location. The entry type
// is not compared.
func (p Path) Equal(o Path) bool {
	return p.Abs() == o.Abs()
}

// IsWithin reports whether p equals root or lies below it.
func (p Path) IsWithin(root Path) bool {
	return p.Equal(root) || p.IsChildOf(root)
}

// IsChildOf reports whether p lies strictly below ancestor.
func (p Path) IsChildOf(ancestor Path) bool {
	a := ancestor.Abs()
	if a == "/" {
		return !p.IsRoot()
	}
	return strings.HasPrefix(p.Abs(), a+"/")
}

// Rel returns p relative to root without a leading slash. ok is false when
// p is not within root.
func (p Path) Rel(root Path) (rel string, ok bool) {
	if !p.IsWithin(root) {
		return "", false
	}
	if p.Equal(root) {
		return "", true
	}
	return strings.TrimPrefix(strings.TrimPrefix(p.Abs(), root.Abs()), "/"), true
}
