package dfs

import "strings"

// Path is a parsed namespace path: an ordered sequence of non-empty
// segments. The zero value (no segments) denotes the root itself.
type Path struct {
	segs []string
}

// ParsePath splits a slash-delimited string into path segments.
// Empty and whitespace-only segments are dropped, so malformed input
// degrades to fewer segments rather than an error.
func ParsePath(s string) Path {
	var segs []string
	for _, seg := range strings.Split(strings.TrimSpace(s), "/") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		segs = append(segs, seg)
	}
	return Path{segs: segs}
}

// Segments returns the segment sequence. Callers must not modify it.
func (p Path) Segments() []string {
	return p.segs
}

// IsRoot reports whether the path has no segments.
func (p Path) IsRoot() bool {
	return len(p.segs) == 0
}

// String renders the canonical form of the path. Two paths are equal
// iff their canonical forms are equal, so it doubles as a map key.
func (p Path) String() string {
	return "/" + strings.Join(p.segs, "/")
}

// Cursor returns a cursor at the first segment, or ok=false if the
// path is the root (nothing to descend into).
func (p Path) Cursor() (Cursor, bool) {
	if len(p.segs) == 0 {
		return Cursor{}, false
	}
	return Cursor{path: p}, true
}

// Cursor walks a path one segment at a time during tree descent.
type Cursor struct {
	path Path
	curr int
}

// Segment returns the segment the cursor points at.
func (c Cursor) Segment() string {
	return c.path.segs[c.curr]
}

// Advance returns a cursor at the next segment, or ok=false if the
// current segment is the last one.
func (c Cursor) Advance() (Cursor, bool) {
	if c.curr+1 == len(c.path.segs) {
		return Cursor{}, false
	}
	return Cursor{path: c.path, curr: c.curr + 1}, true
}

// Path returns the path the cursor is walking.
func (c Cursor) Path() Path {
	return c.path
}
