// Package key implements validation and decomposition of the hierarchical
// paths used to address values in a volume: slash-separated segments, each
// matching [A-Za-z][\w-]*.
package key

import (
	"errors"
	"strings"
)

// Separator is the path component separator.
const Separator = '/'

// ErrInvalidKey is returned when a string does not parse as a valid Key.
var ErrInvalidKey = errors.New("key: invalid key")

// ErrNotAPath is returned by path-only operations given a leaf key.
var ErrNotAPath = errors.New("key: not a path")

// Kind distinguishes the two valid shapes a Key may take.
type Kind int

const (
	// KindPath is a value starting with '/', e.g. "/", "/a/b".
	KindPath Kind = iota
	// KindLeaf is a single segment with no separator, e.g. "a-b".
	KindLeaf
)

// Key is a validated, immutable view over a path or leaf string. Go strings
// are already non-owning, reference-counted views over a backing byte
// array, so unlike the C++ original Key needs no separate view type: the
// caller's guarantee that the backing string outlives any derived Key is
// automatically satisfied by Go's garbage collector.
type Key struct {
	s string
}

// Root is the singleton root path "/", a path with zero segments.
func Root() Key { return Key{s: "/"} }

// Parse validates s and returns the resulting Key: a leading '/' makes it
// a path, checked against the path grammar; otherwise it must be a single
// leaf segment.
func Parse(s string) (Key, error) {
	if s == "/" {
		return Key{s: s}, nil
	}
	if len(s) == 0 {
		return Key{}, ErrInvalidKey
	}
	if s[0] == Separator {
		if !validPath(s) {
			return Key{}, ErrInvalidKey
		}
		return Key{s: s}, nil
	}
	if !validSegment(s) {
		return Key{}, ErrInvalidKey
	}
	return Key{s: s}, nil
}

// MustParse is Parse but panics on error; intended for static keys in tests
// and constants.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

func isSegmentLead(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isSegmentTail(c byte) bool {
	return isSegmentLead(c) || (c >= '0' && c <= '9') || c == '_' || c == '-'
}

// validSegment checks [A-Za-z][\w-]* over the full string, a single
// forward pass with no backtracking.
func validSegment(s string) bool {
	if len(s) == 0 || !isSegmentLead(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isSegmentTail(s[i]) {
			return false
		}
	}
	return true
}

// validPath checks (/[A-Za-z][\w-]*)+ over the full string, again a single
// forward pass: each '/' must be followed by a valid segment.
func validPath(s string) bool {
	if len(s) == 0 || s[0] != Separator {
		return false
	}
	i := 1
	for i < len(s) {
		start := i
		for i < len(s) && s[i] != Separator {
			i++
		}
		if !validSegment(s[start:i]) {
			return false
		}
		if i < len(s) {
			i++ // skip separator
			if i == len(s) {
				return false // trailing separator with no following segment
			}
		}
	}
	return true
}

// IsValid reports whether k holds a non-empty value.
func (k Key) IsValid() bool { return len(k.s) > 0 }

// IsPath reports whether k is a path (starts with '/').
func (k Key) IsPath() bool { return len(k.s) > 0 && k.s[0] == Separator }

// IsLeaf reports whether k is a single segment (no leading '/').
func (k Key) IsLeaf() bool { return len(k.s) > 0 && k.s[0] != Separator }

// String returns the underlying text.
func (k Key) String() string { return k.s }

// Equal reports value equality.
func (k Key) Equal(o Key) bool { return k.s == o.s }

// Less orders keys lexicographically over their string form; used only for
// deterministic iteration/debugging, never for index ordering (that is by
// segment digest, see package digest).
func (k Key) Less(o Key) bool { return k.s < o.s }

// SplitAtHead splits a path into its first segment, kept with its leading
// '/' (so "/a/b/c" gives "/a"), and the remaining path (still rooted, i.e.
// starting with '/', or empty for a one-segment path). For the root path
// it returns two empty Keys.
func (k Key) SplitAtHead() (head, rest Key, err error) {
	if !k.IsPath() {
		return Key{}, Key{}, ErrNotAPath
	}
	v := k.s
	notSep := strings.IndexFunc(v, func(r rune) bool { return r != Separator })
	if notSep < 0 {
		return Key{}, Key{}, nil
	}
	sep := strings.IndexByte(v[notSep:], Separator)
	if sep < 0 {
		return Key{s: v}, Key{}, nil
	}
	sep += notSep
	return Key{s: v[:sep]}, Key{s: v[sep:]}, nil
}

// SplitAtTail splits a path into the path to its parent and its last
// segment, kept with its leading '/' (so "/a/b/c" gives "/a/b" and "/c").
// For a one-segment path the parent is the empty Key, not Root.
func (k Key) SplitAtTail() (parent, tail Key, err error) {
	if !k.IsPath() {
		return Key{}, Key{}, ErrNotAPath
	}
	v := k.s
	notSep := strings.LastIndexFunc(v, func(r rune) bool { return r != Separator })
	if notSep < 0 {
		return Key{}, Key{}, nil
	}
	sep := strings.LastIndexByte(v, Separator)
	return Key{s: v[:sep]}, Key{s: v[sep:]}, nil
}

// IsSubkeyOf reports whether k is strictly below superkey in the path
// hierarchy, returning the relative path from superkey to k on success.
func (k Key) IsSubkeyOf(superkey Key) (bool, Key, error) {
	if !k.IsPath() || !superkey.IsPath() {
		return false, Key{}, ErrNotAPath
	}
	if superkey.s == "/" {
		if k.s == "/" {
			return false, Key{}, nil
		}
		return true, k, nil
	}
	if len(superkey.s) < len(k.s) && k.s[:len(superkey.s)] == superkey.s && k.s[len(superkey.s)] == Separator {
		return true, Key{s: k.s[len(superkey.s):]}, nil
	}
	return false, Key{}, nil
}

// IsSuperkeyOf reports whether k is a strict ancestor of subkey.
func (k Key) IsSuperkeyOf(subkey Key) (bool, Key, error) {
	return subkey.IsSubkeyOf(k)
}

// CutLeadSeparator strips the leading '/' from a path.
func (k Key) CutLeadSeparator() (Key, error) {
	if !k.IsPath() {
		return Key{}, ErrNotAPath
	}
	return Key{s: k.s[1:]}, nil
}

// Join composes a parent path with a child (leaf or path) the way the
// original's operator/ did: a child path is appended as is (onto root it is
// the result itself), a leaf is appended after a separator (onto root, after
// root's own '/').
func Join(parent, child Key) (Key, error) {
	if !parent.IsPath() {
		return Key{}, ErrNotAPath
	}
	if child.IsPath() {
		if parent.s == "/" {
			return Parse(child.s)
		}
		return Parse(parent.s + child.s)
	}
	if child.IsLeaf() {
		if parent.s == "/" {
			return Parse(parent.s + child.s)
		}
		return Parse(parent.s + "/" + child.s)
	}
	return Key{}, ErrInvalidKey
}

// Segments returns the ordered leaf segments of a path, root yielding none.
func (k Key) Segments() ([]Key, error) {
	if !k.IsPath() {
		return nil, ErrNotAPath
	}
	var out []Key
	rest := k
	for rest.s != "/" && rest.s != "" {
		var head Key
		var err error
		head, rest, err = rest.SplitAtHead()
		if err != nil {
			return nil, err
		}
		if !head.IsValid() {
			break
		}
		leaf, err := head.CutLeadSeparator()
		if err != nil {
			return nil, err
		}
		out = append(out, leaf)
	}
	return out, nil
}
