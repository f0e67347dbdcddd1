package client

import (
	"fmt"
	"time"

	"github.com/Banyc/dfs"
	"github.com/Banyc/dfs/util"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

// Client wraps the control protocol for applications. It remembers
// which store each allocated block was assigned to, in an expiring
// cache, so follow-up reads and writes skip the control node.
type Client struct {
	control dfs.ServerAddress
	targets *cache.Cache // block id -> store address
}

// NewClient returns a new client for the given control node.
func NewClient(control dfs.ServerAddress) *Client {
	return &Client{
		control: control,
		targets: cache.New(dfs.TargetCacheExpire, dfs.TargetCacheTick),
	}
}

// Open opens a path. A write open creates the file when absent.
func (c *Client) Open(path string, write bool) error {
	var r dfs.OpenReply
	return util.Call(c.control, "Control.RPCOpen", dfs.OpenArg{Path: path, Write: write}, &r)
}

// Lease refreshes the open lease on path. permitted is false once the
// control node has evicted the entry; the caller must reopen.
func (c *Client) Lease(path string) (permitted bool, err error) {
	var r dfs.OpenLeaseReply
	err = util.Call(c.control, "Control.RPCOpenLease", dfs.OpenLeaseArg{Path: path}, &r)
	return r.Permitted, err
}

// Close releases the open on path.
func (c *Client) Close(path string) error {
	var r dfs.CloseReply
	return util.Call(c.control, "Control.RPCClose", dfs.CloseArg{Path: path}, &r)
}

// Mkdir creates a directory. Parents must already exist.
func (c *Client) Mkdir(path string) error {
	var r dfs.MkdirReply
	return util.Call(c.control, "Control.RPCMkdir", dfs.MkdirArg{Path: path}, &r)
}

// List returns the entries under a directory path.
func (c *Client) List(path string) ([]dfs.PathInfo, error) {
	var r dfs.ListReply
	err := util.Call(c.control, "Control.RPCList", dfs.ListArg{Path: path}, &r)
	return r.Entries, err
}

// Delete removes a file or empty directory.
func (c *Client) Delete(path string) error {
	var r dfs.DeleteReply
	return util.Call(c.control, "Control.RPCDelete", dfs.DeleteArg{Path: path}, &r)
}

// AllocateBlock asks the control node for a fresh block covering rng
// and remembers the assigned store.
func (c *Client) AllocateBlock(path string, rng dfs.OffsetRange) (dfs.BlockID, dfs.ServerAddress, error) {
	var r dfs.AllocateBlockReply
	err := util.Call(c.control, "Control.RPCAllocateBlock", dfs.AllocateBlockArg{Path: path, Range: rng}, &r)
	if err != nil {
		return "", "", err
	}
	c.targets.Set(string(r.Block), r.StoreAddr, cache.DefaultExpiration)
	return r.Block, r.StoreAddr, nil
}

// WriteAt allocates a block at [offset, offset+len(data)) and writes
// the bytes to the assigned store. The path must already be open for
// write and offset must be exactly the file's current end.
func (c *Client) WriteAt(path string, offset uint64, data []byte) (dfs.BlockID, error) {
	rng := dfs.OffsetRange{Start: offset, End: offset + uint64(len(data))}
	block, addr, err := c.AllocateBlock(path, rng)
	if err != nil {
		return "", err
	}
	var w dfs.WriteBlockReply
	if err := util.Call(addr, "Store.RPCWriteBlock", dfs.WriteBlockArg{Block: block, Data: data}, &w); err != nil {
		return "", fmt.Errorf("write block %v to %v: %w", block, addr, err)
	}
	return block, nil
}

// ReadBlock reads a block back from the store it was written to. It
// only works while the allocation target is still cached; locating
// arbitrary blocks is the control node's business, not the client's.
func (c *Client) ReadBlock(block dfs.BlockID) ([]byte, error) {
	v, ok := c.targets.Get(string(block))
	if !ok {
		return nil, fmt.Errorf("no cached store for block %v", block)
	}
	var r dfs.ReadBlockReply
	if err := util.Call(v.(dfs.ServerAddress), "Store.RPCReadBlock", dfs.ReadBlockArg{Block: block}, &r); err != nil {
		return nil, err
	}
	return r.Data, nil
}

// KeepLease refreshes the lease on path until stop closes or the
// control node stops permitting it.
func (c *Client) KeepLease(path string, stop <-chan struct{}) {
	ticker := time.NewTicker(dfs.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			permitted, err := c.Lease(path)
			if err != nil {
				log.Warning("lease rpc error: ", err)
				continue
			}
			if !permitted {
				log.Warningf("lease on %v no longer permitted", path)
				return
			}
		}
	}
}
