package control

import (
	"fmt"

	"github.com/Banyc/dfs"
)

// CorruptedBlockError reports that a store's view of a block differs
// from the authoritative record (or that the block was never
// allocated). It is surfaced distinctly from structural errors so the
// store can be excluded from targeting and flagged for follow-up.
type CorruptedBlockError struct {
	Store dfs.StoreID
	Block dfs.BlockID
}

func (e *CorruptedBlockError) Error() string {
	return fmt.Sprintf("store %s reported corrupted block %s", e.Store, e.Block)
}

// blockMap is the authoritative replica map: for each allocated block,
// its content meta, the stores confirmed to hold it, and the virtual
// path it was allocated for.
type blockMap struct {
	blocks map[dfs.BlockID]*replicatedBlock
}

type replicatedBlock struct {
	meta      dfs.BlockMeta
	stores    []dfs.StoreID
	corrupted map[dfs.StoreID]bool
	virtPath  dfs.Path
}

func newBlockMap() *blockMap {
	return &blockMap{blocks: make(map[dfs.BlockID]*replicatedBlock)}
}

// Create inserts a fresh record with no confirming stores. Block ids
// are minted once per allocation, so a duplicate is a programming
// error, not a runtime condition.
func (bm *blockMap) Create(id dfs.BlockID, meta dfs.BlockMeta, virtPath dfs.Path) {
	if _, ok := bm.blocks[id]; ok {
		panic(fmt.Sprintf("block %s allocated twice", id))
	}
	bm.blocks[id] = &replicatedBlock{meta: meta, virtPath: virtPath}
}

// Delete removes a record. The id must exist.
func (bm *blockMap) Delete(id dfs.BlockID) {
	if _, ok := bm.blocks[id]; !ok {
		panic(fmt.Sprintf("deleting unknown block %s", id))
	}
	delete(bm.blocks, id)
}

// Report records that store holds the reported block. A meta mismatch
// or an unknown block id is corruption and leaves the confirming list
// untouched. The map itself does not deduplicate repeated reports;
// callers decide that policy per report kind.
func (bm *blockMap) Report(store dfs.StoreID, rep dfs.ReportedBlock) error {
	b, ok := bm.blocks[rep.ID]
	if !ok {
		return &CorruptedBlockError{Store: store, Block: rep.ID}
	}
	if b.meta != rep.Meta {
		if b.corrupted == nil {
			b.corrupted = make(map[dfs.StoreID]bool)
		}
		b.corrupted[store] = true
		return &CorruptedBlockError{Store: store, Block: rep.ID}
	}
	b.stores = append(b.stores, store)
	return nil
}

// Stores returns the stores confirmed to hold the block. Unknown ids
// yield an empty list.
func (bm *blockMap) Stores(id dfs.BlockID) []dfs.StoreID {
	b, ok := bm.blocks[id]
	if !ok {
		return nil
	}
	return b.stores
}

// HasStore reports whether store is already on the confirming list.
func (bm *blockMap) HasStore(id dfs.BlockID, store dfs.StoreID) bool {
	b, ok := bm.blocks[id]
	if !ok {
		return false
	}
	for _, s := range b.stores {
		if s == store {
			return true
		}
	}
	return false
}

// DropStore removes store from the block's confirming list. Unknown
// ids and absent stores are ignored; removal is reconciliation-driven
// and must be idempotent.
func (bm *blockMap) DropStore(id dfs.BlockID, store dfs.StoreID) {
	b, ok := bm.blocks[id]
	if !ok {
		return
	}
	kept := b.stores[:0]
	for _, s := range b.stores {
		if s != store {
			kept = append(kept, s)
		}
	}
	b.stores = kept
}

// IsCorrupted reports whether store has ever reported a mismatching
// copy of the block. Corrupted stores stay excluded from targeting for
// that block until an operator intervenes.
func (bm *blockMap) IsCorrupted(id dfs.BlockID, store dfs.StoreID) bool {
	b, ok := bm.blocks[id]
	if !ok {
		return false
	}
	return b.corrupted[store]
}

// VirtPath returns the path the block was allocated for.
func (bm *blockMap) VirtPath(id dfs.BlockID) (dfs.Path, bool) {
	b, ok := bm.blocks[id]
	if !ok {
		return dfs.Path{}, false
	}
	return b.virtPath, true
}

// Meta returns the authoritative meta of the block.
func (bm *blockMap) Meta(id dfs.BlockID) (dfs.BlockMeta, bool) {
	b, ok := bm.blocks[id]
	if !ok {
		return dfs.BlockMeta{}, false
	}
	return b.meta, true
}

// Each visits every block record.
func (bm *blockMap) Each(visit func(id dfs.BlockID, meta dfs.BlockMeta, stores []dfs.StoreID)) {
	for id, b := range bm.blocks {
		visit(id, b.meta, b.stores)
	}
}
