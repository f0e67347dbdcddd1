package control

import (
	"testing"

	"github.com/Banyc/dfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportConfirms(t *testing.T) {
	bm := newBlockMap()
	meta := dfs.BlockMeta{Size: 100}
	bm.Create("b1", meta, dfs.ParsePath("/a/f"))

	assert.Empty(t, bm.Stores("b1"), "fresh record has no confirming stores")

	require.NoError(t, bm.Report("s1", dfs.ReportedBlock{ID: "b1", Meta: meta}))
	assert.Equal(t, []dfs.StoreID{"s1"}, bm.Stores("b1"))
	assert.True(t, bm.HasStore("b1", "s1"))

	require.NoError(t, bm.Report("s2", dfs.ReportedBlock{ID: "b1", Meta: meta}))
	assert.Equal(t, []dfs.StoreID{"s1", "s2"}, bm.Stores("b1"))

	// the raw map appends on every matching report; dedup is the
	// handler's policy
	require.NoError(t, bm.Report("s1", dfs.ReportedBlock{ID: "b1", Meta: meta}))
	assert.Len(t, bm.Stores("b1"), 3)
}

func TestReportCorruption(t *testing.T) {
	bm := newBlockMap()
	bm.Create("b1", dfs.BlockMeta{Size: 100}, dfs.ParsePath("/a/f"))

	err := bm.Report("s1", dfs.ReportedBlock{ID: "b1", Meta: dfs.BlockMeta{Size: 99}})
	var corrupted *CorruptedBlockError
	require.ErrorAs(t, err, &corrupted)
	assert.Equal(t, dfs.StoreID("s1"), corrupted.Store)
	assert.Equal(t, dfs.BlockID("b1"), corrupted.Block)

	// a mismatch never mutates the confirming list
	assert.Empty(t, bm.Stores("b1"))
	assert.True(t, bm.IsCorrupted("b1", "s1"))
	assert.False(t, bm.IsCorrupted("b1", "s2"))
}

func TestReportUnknownBlock(t *testing.T) {
	bm := newBlockMap()

	err := bm.Report("s1", dfs.ReportedBlock{ID: "ghost", Meta: dfs.BlockMeta{Size: 1}})
	var corrupted *CorruptedBlockError
	require.ErrorAs(t, err, &corrupted)
	assert.Empty(t, bm.Stores("ghost"))
}

func TestDropStore(t *testing.T) {
	bm := newBlockMap()
	meta := dfs.BlockMeta{Size: 10}
	bm.Create("b1", meta, dfs.ParsePath("/f"))
	require.NoError(t, bm.Report("s1", dfs.ReportedBlock{ID: "b1", Meta: meta}))
	require.NoError(t, bm.Report("s2", dfs.ReportedBlock{ID: "b1", Meta: meta}))

	bm.DropStore("b1", "s1")
	assert.Equal(t, []dfs.StoreID{"s2"}, bm.Stores("b1"))

	// idempotent, and unknown ids are ignored
	bm.DropStore("b1", "s1")
	bm.DropStore("ghost", "s1")
	assert.Equal(t, []dfs.StoreID{"s2"}, bm.Stores("b1"))
}

func TestCreateDeleteInvariants(t *testing.T) {
	bm := newBlockMap()
	bm.Create("b1", dfs.BlockMeta{Size: 1}, dfs.ParsePath("/f"))

	assert.Panics(t, func() { bm.Create("b1", dfs.BlockMeta{Size: 1}, dfs.ParsePath("/f")) })

	bm.Delete("b1")
	assert.Empty(t, bm.Stores("b1"))
	assert.Panics(t, func() { bm.Delete("b1") })
}

func TestBlockRecordAccessors(t *testing.T) {
	bm := newBlockMap()
	bm.Create("b1", dfs.BlockMeta{Size: 42}, dfs.ParsePath("/a/f"))

	meta, ok := bm.Meta("b1")
	require.True(t, ok)
	assert.Equal(t, uint32(42), meta.Size)

	p, ok := bm.VirtPath("b1")
	require.True(t, ok)
	assert.Equal(t, "/a/f", p.String())

	_, ok = bm.Meta("ghost")
	assert.False(t, ok)
}
