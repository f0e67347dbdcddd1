package control

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Banyc/dfs"
)

// snapshot is the persisted control-plane state: the namespace tree
// flattened to an array plus the authoritative block descriptors.
// Confirmation lists and heartbeat state are volatile; storage nodes
// rebuild them through reports after a restart.
type snapshot struct {
	Tree   []serialTreeNode
	Blocks []serialBlock
}

type serialTreeNode struct {
	IsDir       bool
	Children    map[string]int
	Replication int
	Blocks      []dfs.FileBlock
}

type serialBlock struct {
	ID       dfs.BlockID
	Meta     dfs.BlockMeta
	VirtPath string
}

// tree2array flattens the tree post-order into array and returns the
// node's index, so children always precede their parent and the root
// lands last.
func tree2array(array *[]serialTreeNode, node *nsTree) int {
	n := serialTreeNode{IsDir: node.isDir, Replication: node.replication, Blocks: node.blocks}
	if node.isDir {
		n.Children = make(map[string]int)
		for name, child := range node.children {
			n.Children[name] = tree2array(array, child)
		}
	}
	*array = append(*array, n)
	return len(*array) - 1
}

// array2tree is the inverse of tree2array.
func array2tree(array []serialTreeNode, id int) *nsTree {
	n := &nsTree{
		isDir:       array[id].IsDir,
		replication: array[id].Replication,
		blocks:      array[id].Blocks,
	}
	if array[id].IsDir {
		n.children = make(map[string]*nsTree)
		for name, child := range array[id].Children {
			n.children[name] = array2tree(array, child)
		}
	}
	return n
}

func encodeSnapshot(root *nsTree, bm *blockMap) ([]byte, error) {
	var snap snapshot
	tree2array(&snap.Tree, root)
	bm.Each(func(id dfs.BlockID, meta dfs.BlockMeta, _ []dfs.StoreID) {
		virtPath, _ := bm.VirtPath(id)
		snap.Blocks = append(snap.Blocks, serialBlock{ID: id, Meta: meta, VirtPath: virtPath.String()})
	})

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(data []byte) (*nsTree, *blockMap, error) {
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, nil, err
	}
	if len(snap.Tree) == 0 {
		return nil, nil, fmt.Errorf("snapshot carries no namespace tree")
	}
	root := array2tree(snap.Tree, len(snap.Tree)-1)
	bm := newBlockMap()
	for _, b := range snap.Blocks {
		bm.Create(b.ID, b.Meta, dfs.ParsePath(b.VirtPath))
	}
	return root, bm, nil
}

// atomicWrite persists data with a write-to-temp-then-rename protocol,
// so a crash mid-write never leaves a partial snapshot observable.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// saveSnapshot serializes and atomically persists the control state.
func saveSnapshot(path string, root *nsTree, bm *blockMap) error {
	data, err := encodeSnapshot(root, bm)
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

// loadSnapshot restores control state from disk. ok is false when no
// snapshot exists yet.
func loadSnapshot(path string) (root *nsTree, bm *blockMap, ok bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	root, bm, err = decodeSnapshot(data)
	if err != nil {
		return nil, nil, false, err
	}
	return root, bm, true, nil
}
