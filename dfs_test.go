package dfs_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/Banyc/dfs"
	"github.com/Banyc/dfs/client"
	"github.com/Banyc/dfs/control"
	"github.com/Banyc/dfs/store"
	log "github.com/sirupsen/logrus"
)

var (
	m    *control.Control
	ss   []*store.Store
	c    *client.Client
	root string // root of tmp data dirs
)

const (
	controlAddr = ":7777"
	storeNum    = 3
)

func storeAddr(i int) string {
	return ":" + strconv.Itoa(10000+i)
}

/*
 *  Namespace operations through the client.
 */
func TestMkdirListDelete(t *testing.T) {
	if err := c.Mkdir("/dir1"); err != nil {
		t.Error(err)
	}
	if err := c.Mkdir("/dir1"); err == nil {
		t.Error("the same directory has been created twice")
	}
	if err := c.Mkdir("/dir1/sub"); err != nil {
		t.Error(err)
	}
	if err := c.Open("/dir1/file1", true); err != nil {
		t.Error(err)
	}

	entries, err := c.List("/dir1")
	if err != nil {
		t.Error(err)
	}
	want := map[string]bool{"sub": true, "file1": true}
	for _, e := range entries {
		delete(want, e.Name)
	}
	if len(want) != 0 {
		t.Error("error in list /dir1, got ", entries)
	}

	if err := c.Delete("/dir1"); err == nil {
		t.Error("deleted a non-empty directory")
	}
	if err := c.Delete("/dir1/sub"); err != nil {
		t.Error(err)
	}
	if err := c.Delete("/dir1/file1"); err == nil {
		t.Error("deleted a file while it is open")
	}
	if err := c.Close("/dir1/file1"); err != nil {
		t.Error(err)
	}
	if err := c.Delete("/dir1/file1"); err != nil {
		t.Error(err)
	}
}

func TestOpenExclusion(t *testing.T) {
	if err := c.Open("/locked", true); err != nil {
		t.Error(err)
	}
	if err := c.Open("/locked", true); err == nil {
		t.Error("two writers on the same path")
	}
	if err := c.Open("/locked", false); err == nil {
		t.Error("a reader opened a path held by a writer")
	}
	if err := c.Close("/locked"); err != nil {
		t.Error(err)
	}

	// readers share
	if err := c.Open("/locked", false); err != nil {
		t.Error(err)
	}
	if err := c.Open("/locked", false); err != nil {
		t.Error(err)
	}
	c.Close("/locked")
	c.Close("/locked")
}

func TestWriteRead(t *testing.T) {
	if err := c.Open("/data.bin", true); err != nil {
		t.Error(err)
	}
	defer c.Close("/data.bin")

	first := bytes.Repeat([]byte("x"), 1024)
	second := bytes.Repeat([]byte("y"), 512)

	b1, err := c.WriteAt("/data.bin", 0, first)
	if err != nil {
		t.Error(err)
	}
	// the next write must continue exactly at the file's end
	if _, err := c.WriteAt("/data.bin", 2048, second); err == nil {
		t.Error("accepted a write that leaves a hole in the file")
	}
	b2, err := c.WriteAt("/data.bin", 1024, second)
	if err != nil {
		t.Error(err)
	}

	got, err := c.ReadBlock(b1)
	if err != nil {
		t.Error(err)
	}
	if !bytes.Equal(got, first) {
		t.Error("first block read back wrong")
	}
	got, err = c.ReadBlock(b2)
	if err != nil {
		t.Error(err)
	}
	if !bytes.Equal(got, second) {
		t.Error("second block read back wrong")
	}
}

func TestLease(t *testing.T) {
	if err := c.Open("/leased", true); err != nil {
		t.Error(err)
	}
	defer c.Close("/leased")

	permitted, err := c.Lease("/leased")
	if err != nil {
		t.Error(err)
	}
	if !permitted {
		t.Error("lease on a freshly opened path refused")
	}

	permitted, err = c.Lease("/never-opened")
	if err != nil {
		t.Error(err)
	}
	if permitted {
		t.Error("lease granted on a path that is not open")
	}
}

// Writes land on one store and get re-replicated in the background
// until the replication factor is met.
func TestReReplication(t *testing.T) {
	if err := c.Open("/replicated", true); err != nil {
		t.Error(err)
	}
	defer c.Close("/replicated")

	data := bytes.Repeat([]byte("r"), 256)
	block, err := c.WriteAt("/replicated", 0, data)
	if err != nil {
		t.Error(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		n := 0
		for _, s := range ss {
			var probe dfs.OpenBlockReply
			if err := s.RPCOpenBlock(dfs.OpenBlockArg{Block: block}, &probe); err != nil {
				t.Error(err)
			}
			if probe.Permitted {
				n++
			}
		}
		if n >= dfs.DefaultReplication {
			break
		}
		if time.Now().After(deadline) {
			t.Errorf("block %v only reached %v of %v replicas", block, n, dfs.DefaultReplication)
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func TestMain(tm *testing.M) {
	var err error
	root, err = os.MkdirTemp("", "dfs-")
	if err != nil {
		log.Fatal("cannot create temporary directory: ", err)
	}

	stores := make([]dfs.StoreConfig, storeNum)
	for i := range stores {
		stores[i] = dfs.StoreConfig{ID: "s" + strconv.Itoa(i), Addr: storeAddr(i)}
	}
	m = control.NewAndServe(dfs.ControlConfig{
		Addr:         controlAddr,
		SnapshotPath: filepath.Join(root, "snapshot"),
		Stores:       stores,
	})

	ss = make([]*store.Store, storeNum)
	for i := range ss {
		ss[i] = store.NewAndServe(dfs.StoreNodeConfig{
			ID:          "s" + strconv.Itoa(i),
			Addr:        storeAddr(i),
			ControlAddr: controlAddr,
			DataDir:     filepath.Join(root, "s"+strconv.Itoa(i)),
		})
	}

	c = client.NewClient(controlAddr)
	time.Sleep(300 * time.Millisecond)

	ret := tm.Run()

	for _, s := range ss {
		s.Shutdown()
	}
	m.Shutdown()
	os.RemoveAll(root)

	os.Exit(ret)
}
