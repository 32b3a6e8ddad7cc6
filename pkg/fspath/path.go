// Package fspath implements a POSIX-like path model for keys in a store that has
// no real directories. A Path pairs an owning filesystem identity (an "fs-key",
// see internal/fsregistry) with a slash-joined key string, and knows how to
// infer directory-ness from surface heuristics, normalize "." and "..", and
// resolve relative paths against a directory-inferred base.
package fspath

import (
	"strings"

	fserrors "github.com/s3fs-spi/s3fs/pkg/errors"
)

// LinkOption controls symlink-following behavior. This store has no symlinks,
// so every LinkOption is accepted and silently ignored.
type LinkOption int

// NoFollowLinks is the only LinkOption a caller is expected to pass; it exists
// so call sites written against a java.nio-style API compile unchanged.
const NoFollowLinks LinkOption = iota

// Path is a key within one filesystem, kept exactly as constructed (leading
// slash, trailing slash, and any "." / ".." elements are all preserved) until
// Normalize or ToRealPath resolves it.
type Path struct {
	fsKey    string
	key      string // joined elements, slash runs collapsed, no leading slash
	absolute bool
}

// New constructs a Path by joining first and more with "/", collapsing runs of
// separators. A leading "/" on first marks the path absolute; a trailing "/"
// on the last non-empty segment marks it directory-inferred. It is invalid to
// pass an empty or all-whitespace first element together with a non-empty more.
func New(fsKey, first string, more ...string) (Path, error) {
	if strings.TrimSpace(first) == "" && len(more) > 0 {
		return Path{}, fserrors.New(fserrors.InvalidPath, "fspath.New").
			WithContext("reason", "empty first element with non-empty continuation")
	}

	joined := first
	for _, m := range more {
		joined += "/" + m
	}
	joined = collapseSlashes(joined)

	absolute := strings.HasPrefix(joined, "/")
	key := joined
	if absolute {
		key = key[1:]
	}

	if strings.ContainsRune(key, 0) {
		return Path{}, fserrors.New(fserrors.InvalidPath, "fspath.New").
			WithContext("reason", "key contains NUL byte")
	}

	return Path{fsKey: fsKey, key: key, absolute: absolute}, nil
}

// Root returns the root path "/" for the given filesystem.
func Root(fsKey string) Path {
	return Path{fsKey: fsKey, key: "", absolute: true}
}

func collapseSlashes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSlash := false
	for _, r := range s {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FSKey returns the identity of the filesystem this path belongs to.
func (p Path) FSKey() string { return p.fsKey }

// Absolute reports whether the path was constructed with a leading "/".
func (p Path) Absolute() bool { return p.absolute }

// IsDirectoryInferred implements spec invariant (b): a key is treated as a
// directory iff it is empty, is "/", ends with "/", equals "." or "..", or
// ends with "/." or "/..". It is evaluated against whatever key is given
// (normalized or not), matching the literal forms the invariant names.
func IsDirectoryInferred(key string) bool {
	switch key {
	case "", "/", ".", "..":
		return true
	}
	return strings.HasSuffix(key, "/") || strings.HasSuffix(key, "/.") || strings.HasSuffix(key, "/..")
}

// IsDir reports whether this path is directory-inferred, per its current
// (possibly unnormalized) key.
func (p Path) IsDir() bool {
	return IsDirectoryInferred(p.key)
}

// Key returns the path's raw, unnormalized key (no leading slash). Call
// Normalize first to get the canonical object key used in store requests.
func (p Path) Key() string { return p.key }

// ObjectKey returns the normalized object key, suitable for use directly as
// an S3 key: no leading slash, "." / ".." resolved, trailing "/" retained iff
// the path is directory-inferred (except the root, whose object key is "").
func (p Path) ObjectKey() string {
	return normalizeKey(p.key)
}

// Normalize resolves "." (by removal) and ".." (by dropping the preceding
// element, clamped at the root) and returns the canonical Path.
func (p Path) Normalize() Path {
	return Path{fsKey: p.fsKey, key: normalizeKey(p.key), absolute: p.absolute}
}

func normalizeKey(key string) string {
	dirHint := IsDirectoryInferred(key)

	var stack []string
	for _, e := range strings.Split(key, "/") {
		switch e {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, e)
		}
	}

	result := strings.Join(stack, "/")
	if dirHint && result != "" {
		result += "/"
	}
	return result
}

// ToRealPath returns the normalized, absolute form of the path. Link options
// are accepted for API compatibility and ignored: this store has no symlinks.
func (p Path) ToRealPath(_ ...LinkOption) Path {
	n := p.Normalize()
	n.absolute = true
	return n
}

// Elements returns the normalized path's non-empty name components, in order.
func (p Path) Elements() []string {
	normalized := normalizeKey(p.key)
	trimmed := strings.Trim(normalized, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// FileName returns the last element of the normalized path, or "" for the root.
func (p Path) FileName() string {
	elems := p.Elements()
	if len(elems) == 0 {
		return ""
	}
	return elems[len(elems)-1]
}

// String renders the normalized form of the path for display, with a leading
// "/" only if the path is absolute. An empty normalized key renders as "/".
func (p Path) String() string {
	key := normalizeKey(p.key)
	if key == "" {
		return "/"
	}
	if p.absolute {
		return "/" + key
	}
	return key
}

// Resolve resolves rel against base, which must be directory-inferred.
// The result is normalize(base.Key() + rel.Key()), with ".." clamped at root.
func Resolve(base, rel Path) (Path, error) {
	if !base.IsDir() {
		return Path{}, fserrors.New(fserrors.InvalidPath, "fspath.Resolve").
			WithPath(base.String()).
			WithContext("reason", "base is not directory-inferred")
	}
	combined := Path{
		fsKey:    base.fsKey,
		key:      base.key + rel.key,
		absolute: base.absolute,
	}
	return combined.Normalize(), nil
}

// Equal reports whether a and b identify the same path: same filesystem key
// and the same normalized key string.
func Equal(a, b Path) bool {
	return a.fsKey == b.fsKey && normalizeKey(a.key) == normalizeKey(b.key)
}
