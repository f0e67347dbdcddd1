package control

import (
	"errors"
	"fmt"
	"time"

	"github.com/Banyc/dfs"
)

var (
	ErrOpenConflict = errors.New("open conflicts with existing holder")
	ErrNotOpen      = errors.New("path is not open")
)

// openFileTable tracks which paths are held open and by how many
// holders. A path has either any number of readers, or exactly one
// writer; entries expire when their lease is not refreshed.
type openFileTable struct {
	entries map[string]*openEntry // keyed by canonical path
}

type openEntry struct {
	write     bool
	holders   int
	lastLease time.Time
}

func newOpenFileTable() *openFileTable {
	return &openFileTable{entries: make(map[string]*openEntry)}
}

// Open registers a holder for path. A write open is rejected while any
// holder exists; any open is rejected while a writer holds the path.
func (ot *openFileTable) Open(path dfs.Path, write bool, now time.Time) error {
	key := path.String()
	e, ok := ot.entries[key]
	if ok && (e.write || write) {
		return fmt.Errorf("%w: %s", ErrOpenConflict, key)
	}
	if !ok {
		ot.entries[key] = &openEntry{write: write, holders: 1, lastLease: now}
		return nil
	}
	e.holders++
	return nil
}

// Lease refreshes the lease timestamp of an open path. It fails if the
// path is not open, e.g. the lease arrived after an eviction.
func (ot *openFileTable) Lease(path dfs.Path, now time.Time) error {
	e, ok := ot.entries[path.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, path)
	}
	e.lastLease = now
	return nil
}

// Close releases one holder of path and drops the entry once nobody
// holds it. Closing a path that is not open is a no-op.
func (ot *openFileTable) Close(path dfs.Path) {
	key := path.String()
	e, ok := ot.entries[key]
	if !ok {
		return
	}
	e.holders--
	if e.holders <= 0 {
		delete(ot.entries, key)
	}
}

// SweepTimeouts evicts every entry whose lease is older than ttl,
// regardless of holder count: a holder that stopped leasing is assumed
// crashed. Returns the evicted paths.
func (ot *openFileTable) SweepTimeouts(ttl time.Duration, now time.Time) []string {
	var evicted []string
	for key, e := range ot.entries {
		if now.Sub(e.lastLease) > ttl {
			evicted = append(evicted, key)
		}
	}
	for _, key := range evicted {
		delete(ot.entries, key)
	}
	return evicted
}

// Holders returns the holder count of path, 0 if not open.
func (ot *openFileTable) Holders(path dfs.Path) int {
	e, ok := ot.entries[path.String()]
	if !ok {
		return 0
	}
	return e.holders
}
