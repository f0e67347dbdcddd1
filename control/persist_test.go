package control

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Banyc/dfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundtrip(t *testing.T) {
	root := newDirectory()
	require.NoError(t, root.create(mustCursor(t, "/dir"), newDirectory))
	require.NoError(t, root.create(mustCursor(t, "/dir/file"), func() *nsTree { return newFile(3) }))

	file, err := root.resolve(cursorOf(dfs.ParsePath("/dir/file")))
	require.NoError(t, err)
	require.NoError(t, file.appendBlock(dfs.FileBlock{
		Range: dfs.OffsetRange{Start: 0, End: 100},
		ID:    "b1",
	}))

	bm := newBlockMap()
	bm.Create("b1", dfs.BlockMeta{Size: 100}, dfs.ParsePath("/dir/file"))

	data, err := encodeSnapshot(root, bm)
	require.NoError(t, err)

	root2, bm2, err := decodeSnapshot(data)
	require.NoError(t, err)

	file2, err := root2.resolve(cursorOf(dfs.ParsePath("/dir/file")))
	require.NoError(t, err)
	assert.False(t, file2.isDir)
	assert.Equal(t, 3, file2.replication)
	require.Len(t, file2.blocks, 1)
	assert.Equal(t, dfs.BlockID("b1"), file2.blocks[0].ID)

	meta, ok := bm2.Meta("b1")
	require.True(t, ok)
	assert.Equal(t, uint32(100), meta.Size)
	virt, ok := bm2.VirtPath("b1")
	require.True(t, ok)
	assert.Equal(t, "/dir/file", virt.String())

	// confirmation lists are volatile and never round-trip
	assert.Empty(t, bm2.Stores("b1"))
}

func TestDecodeSnapshotWithoutTree(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(snapshot{}))

	// a truncated or corrupt snapshot must error out, not crash startup
	_, _, err := decodeSnapshot(buf.Bytes())
	assert.Error(t, err)
}

func TestSaveLoadSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot")

	_, _, ok, err := loadSnapshot(path)
	require.NoError(t, err)
	assert.False(t, ok, "no snapshot saved yet")

	root := newDirectory()
	require.NoError(t, root.create(mustCursor(t, "/f"), func() *nsTree { return newFile(1) }))
	require.NoError(t, saveSnapshot(path, root, newBlockMap()))

	root2, bm2, ok, err := loadSnapshot(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, bm2)
	_, err = root2.resolve(cursorOf(dfs.ParsePath("/f")))
	assert.NoError(t, err)
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot")
	require.NoError(t, atomicWrite(path, []byte("one")))
	require.NoError(t, atomicWrite(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".snapshot-"), "temp file %s left behind", e.Name())
	}
}
