package control

import (
	"errors"
	"fmt"

	"github.com/Banyc/dfs"
)

// Structural conflicts surfaced by namespace operations. They are
// returned to the requester as-is and never retried by the control
// node.
var (
	ErrSegmentNotFound    = errors.New("path segment not found")
	ErrNotDirectory       = errors.New("not a directory")
	ErrNameExists         = errors.New("name already exists")
	ErrNotFile            = errors.New("not a file")
	ErrRangeNotContiguous = errors.New("offset range not contiguous with file")
)

// nsTree is a node of the namespace tree: either a directory owning
// its children by name, or a file owning an ordered block sequence.
// The tree is a strict ownership hierarchy; nothing outside the
// control node holds references into it.
type nsTree struct {
	isDir bool

	// if it is a directory
	children map[string]*nsTree

	// if it is a file
	replication int
	blocks      []dfs.FileBlock
}

func newDirectory() *nsTree {
	return &nsTree{isDir: true, children: make(map[string]*nsTree)}
}

func newFile(replication int) *nsTree {
	return &nsTree{replication: replication}
}

// resolve descends to the node the cursor addresses. A nil cursor
// addresses the node itself. Since all access is serialized by the
// control node's lock, the same function serves reads and mutation.
func (t *nsTree) resolve(cur *dfs.Cursor) (*nsTree, error) {
	if cur == nil {
		return t, nil
	}
	if !t.isDir {
		return nil, fmt.Errorf("%w: descending through %q", ErrNotDirectory, cur.Segment())
	}
	child, ok := t.children[cur.Segment()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSegmentNotFound, cur.Segment())
	}
	next, more := cur.Advance()
	if !more {
		return child, nil
	}
	return child.resolve(&next)
}

// list invokes visit for each direct child of the addressed node, or
// once for the node itself if it is a file. Errors mirror resolve.
func (t *nsTree) list(cur *dfs.Cursor, visit func(name string, node *nsTree)) error {
	if cur == nil {
		if t.isDir {
			for name, child := range t.children {
				visit(name, child)
			}
		} else {
			visit("", t)
		}
		return nil
	}
	if !t.isDir {
		return fmt.Errorf("%w: descending through %q", ErrNotDirectory, cur.Segment())
	}
	child, ok := t.children[cur.Segment()]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSegmentNotFound, cur.Segment())
	}
	next, more := cur.Advance()
	if !more {
		return child.list(nil, visit)
	}
	return child.list(&next, visit)
}

// create inserts makeNode() under the cursor's terminal segment. Every
// intermediate segment must already be a directory; missing ones are
// not auto-created. makeNode only runs once insertion is possible, so
// a rejected create never constructs (or discards) a node.
func (t *nsTree) create(cur dfs.Cursor, makeNode func() *nsTree) error {
	if !t.isDir {
		return fmt.Errorf("%w: descending through %q", ErrNotDirectory, cur.Segment())
	}
	next, more := cur.Advance()
	if !more {
		if _, ok := t.children[cur.Segment()]; ok {
			return fmt.Errorf("%w: %q", ErrNameExists, cur.Segment())
		}
		t.children[cur.Segment()] = makeNode()
		return nil
	}
	child, ok := t.children[cur.Segment()]
	if !ok {
		return fmt.Errorf("%w: no directory %q", ErrNotDirectory, cur.Segment())
	}
	return child.create(next, makeNode)
}

// remove unlinks and returns the node at the cursor's terminal
// segment. Directories must be empty; whole-subtree removal would
// orphan the blocks of nested files.
func (t *nsTree) remove(cur dfs.Cursor) (*nsTree, error) {
	if !t.isDir {
		return nil, fmt.Errorf("%w: descending through %q", ErrNotDirectory, cur.Segment())
	}
	child, ok := t.children[cur.Segment()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSegmentNotFound, cur.Segment())
	}
	next, more := cur.Advance()
	if more {
		return child.remove(next)
	}
	if child.isDir && len(child.children) > 0 {
		return nil, fmt.Errorf("directory %q is not empty", cur.Segment())
	}
	delete(t.children, cur.Segment())
	return child, nil
}

// appendBlock appends a block to a file. The new range must start
// exactly where the previous block ends (or at 0 for an empty file),
// keeping the file's extents gapless and non-overlapping.
func (t *nsTree) appendBlock(b dfs.FileBlock) error {
	if t.isDir {
		return ErrNotFile
	}
	var want uint64
	if n := len(t.blocks); n > 0 {
		want = t.blocks[n-1].Range.End
	}
	if b.Range.Start != want || b.Range.End < b.Range.Start {
		return fmt.Errorf("%w: got [%d, %d), file ends at %d",
			ErrRangeNotContiguous, b.Range.Start, b.Range.End, want)
	}
	t.blocks = append(t.blocks, b)
	return nil
}

// cursorOf is a little helper for driving tree operations from a full
// path: nil means the path addresses the root itself.
func cursorOf(p dfs.Path) *dfs.Cursor {
	cur, ok := p.Cursor()
	if !ok {
		return nil
	}
	return &cur
}
