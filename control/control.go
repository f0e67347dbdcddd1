package control

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/Banyc/dfs"
	"github.com/Banyc/dfs/util"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Control is the control node: it owns the namespace tree, the
// open-file table, the replica map and the storage-node registry, and
// serializes every request over them through one mutex. Blocking I/O
// (snapshots, replication RPCs) happens outside the critical section.
type Control struct {
	addr         dfs.ServerAddress
	snapshotPath string
	l            net.Listener
	shutdown     chan struct{}
	dead         bool

	mu     sync.Mutex
	root   *nsTree
	open   *openFileTable
	blocks *blockMap
	stores *storeManager
	dirty  bool // namespace or block map changed since last snapshot
}

// NewAndServe starts a control node and returns the pointer to it.
func NewAndServe(cfg dfs.ControlConfig) *Control {
	c := &Control{
		addr:         dfs.ServerAddress(cfg.Addr),
		snapshotPath: cfg.SnapshotPath,
		shutdown:     make(chan struct{}),
		root:         newDirectory(),
		open:         newOpenFileTable(),
		blocks:       newBlockMap(),
		stores:       newStoreManager(),
	}

	if cfg.SnapshotPath != "" {
		root, bm, ok, err := loadSnapshot(cfg.SnapshotPath)
		if err != nil {
			log.Fatal("cannot load snapshot: ", err)
		}
		if ok {
			c.root = root
			c.blocks = bm
			log.Infof("control node restored snapshot from %v", cfg.SnapshotPath)
		}
	}
	for _, s := range cfg.Stores {
		c.stores.Register(dfs.StoreID(s.ID), dfs.ServerAddress(s.Addr))
	}

	rpcs := rpc.NewServer()
	rpcs.Register(c)
	l, e := net.Listen("tcp", string(c.addr))
	if e != nil {
		log.Fatal("control node listen error: ", e)
	}
	c.l = l

	// RPC Handler
	go func() {
		for {
			select {
			case <-c.shutdown:
				return
			default:
			}
			conn, err := c.l.Accept()
			if err == nil {
				go func() {
					rpcs.ServeConn(conn)
					conn.Close()
				}()
			} else {
				if !c.dead {
					log.Fatal("control node accept error: ", err)
				}
			}
		}
	}()

	// Lease sweeps, dead-store detection, re-replication, snapshots.
	go func() {
		ticker := time.NewTicker(dfs.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.shutdown:
				return
			case <-ticker.C:
				c.sweep(time.Now())
			}
		}
	}()

	log.Infof("Control node is running now. addr = %v", c.addr)

	return c
}

// Shutdown shuts down the control node and persists a final snapshot.
func (c *Control) Shutdown() {
	if c.dead {
		return
	}
	c.dead = true
	close(c.shutdown)
	c.l.Close()

	c.mu.Lock()
	data, err := encodeSnapshot(c.root, c.blocks)
	c.mu.Unlock()
	if err == nil && c.snapshotPath != "" {
		err = atomicWrite(c.snapshotPath, data)
	}
	if err != nil {
		log.Warning("error in final snapshot: ", err)
	}
}

// RPCOpen is called by a client to open a path. A write open creates
// the file if absent; a read open requires an existing file. The open
// then registers in the open-file table under single-writer exclusion.
func (c *Control) RPCOpen(args dfs.OpenArg, reply *dfs.OpenReply) error {
	now := time.Now()
	path := dfs.ParsePath(args.Path)

	c.mu.Lock()
	defer c.mu.Unlock()

	if path.IsRoot() {
		return fmt.Errorf("%w: cannot open the root directory", ErrNotFile)
	}
	if args.Write {
		cur, _ := path.Cursor()
		err := c.root.create(cur, func() *nsTree { return newFile(dfs.DefaultReplication) })
		switch {
		case err == nil:
			c.dirty = true
		case errors.Is(err, ErrNameExists):
			// fine, the file may already exist
		default:
			return err
		}
	}
	node, err := c.root.resolve(cursorOf(path))
	if err != nil {
		return err
	}
	if node.isDir {
		return fmt.Errorf("%w: %s", ErrNotFile, path)
	}
	return c.open.Open(path, args.Write, now)
}

// RPCOpenLease refreshes a client's lease on an open path. Permitted
// is false when the path is no longer open, e.g. after an eviction.
func (c *Control) RPCOpenLease(args dfs.OpenLeaseArg, reply *dfs.OpenLeaseReply) error {
	now := time.Now()
	path := dfs.ParsePath(args.Path)

	c.mu.Lock()
	defer c.mu.Unlock()

	reply.Permitted = c.open.Lease(path, now) == nil
	return nil
}

// RPCClose releases one holder of the path. Closing a path that is not
// open is a no-op.
func (c *Control) RPCClose(args dfs.CloseArg, reply *dfs.CloseReply) error {
	path := dfs.ParsePath(args.Path)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.open.Close(path)
	return nil
}

// RPCMkdir creates a directory. Intermediate directories are not
// auto-created; parents must already exist.
func (c *Control) RPCMkdir(args dfs.MkdirArg, reply *dfs.MkdirReply) error {
	path := dfs.ParsePath(args.Path)

	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := path.Cursor()
	if !ok {
		return fmt.Errorf("%w: /", ErrNameExists)
	}
	if err := c.root.create(cur, newDirectory); err != nil {
		return err
	}
	c.dirty = true
	return nil
}

// RPCList returns the direct children of a directory, or the file
// itself when the path names a file.
func (c *Control) RPCList(args dfs.ListArg, reply *dfs.ListReply) error {
	path := dfs.ParsePath(args.Path)

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.root.list(cursorOf(path), func(name string, node *nsTree) {
		reply.Entries = append(reply.Entries, dfs.PathInfo{
			Name:        name,
			IsDir:       node.isDir,
			Replication: node.replication,
			Blocks:      len(node.blocks),
		})
	})
}

// RPCDelete removes a file (or empty directory) from the namespace,
// destroys its block records, and tells the confirming stores to drop
// their copies. Open paths cannot be deleted.
func (c *Control) RPCDelete(args dfs.DeleteArg, reply *dfs.DeleteReply) error {
	path := dfs.ParsePath(args.Path)

	type removal struct {
		block dfs.BlockID
		addrs []dfs.ServerAddress
	}
	var removals []removal

	err := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		cur, ok := path.Cursor()
		if !ok {
			return fmt.Errorf("%w: cannot delete the root directory", ErrNotFile)
		}
		if c.open.Holders(path) > 0 {
			return fmt.Errorf("%w: %s", ErrOpenConflict, path)
		}
		node, err := c.root.remove(cur)
		if err != nil {
			return err
		}
		for _, b := range node.blocks {
			r := removal{block: b.ID}
			for _, s := range c.blocks.Stores(b.ID) {
				if addr, ok := c.stores.Addr(s); ok {
					r.addrs = append(r.addrs, addr)
				}
			}
			c.blocks.Delete(b.ID)
			removals = append(removals, r)
		}
		c.dirty = true
		return nil
	}()
	if err != nil {
		return err
	}

	// Copy removal is best effort; stores that miss it get reconciled
	// by their next full report.
	for _, r := range removals {
		r := r
		go func() {
			err := util.CallAll(r.addrs, "Store.RPCRemoveBlock", dfs.RemoveBlockArg{Block: r.block})
			if err != nil {
				log.Warning("remove block rpc error: ", err)
			}
		}()
	}
	return nil
}

// RPCAllocateBlock mints a fresh block for the file at the requested
// offset range, which must extend the file exactly where it ends, and
// assigns a storage node to receive the bytes.
func (c *Control) RPCAllocateBlock(args dfs.AllocateBlockArg, reply *dfs.AllocateBlockReply) error {
	now := time.Now()
	path := dfs.ParsePath(args.Path)

	c.mu.Lock()
	defer c.mu.Unlock()

	node, err := c.root.resolve(cursorOf(path))
	if err != nil {
		return err
	}
	if node.isDir {
		return fmt.Errorf("%w: %s", ErrNotFile, path)
	}
	if args.Range.Len() > math.MaxUint32 {
		return fmt.Errorf("range [%v, %v) exceeds the maximum block size", args.Range.Start, args.Range.End)
	}

	// Pick a target before touching any state so a rejection never
	// leaves a half-allocated block behind.
	target, err := c.stores.ChooseTarget(dfs.StoreTimeout, now, nil)
	if err != nil {
		return err
	}
	addr, _ := c.stores.Addr(target)

	id := dfs.BlockID(uuid.New().String())
	if err := node.appendBlock(dfs.FileBlock{Range: args.Range, ID: id}); err != nil {
		return err
	}
	c.blocks.Create(id, dfs.BlockMeta{Size: uint32(args.Range.Len())}, path)
	c.dirty = true

	log.Infof("allocated block %v for %v [%v, %v) on store %v", id, path, args.Range.Start, args.Range.End, target)

	reply.Block = id
	reply.StoreAddr = addr
	return nil
}

// RPCBlockReport reconciles a storage node's declared block inventory
// against the replica map. Add and Full confirmations are deduplicated
// here; the raw map appends blindly.
func (c *Control) RPCBlockReport(args dfs.BlockReportArg, reply *dfs.BlockReportReply) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch args.Kind {
	case dfs.ReportAdd:
		for _, rb := range args.Blocks {
			c.confirm(args.Store, rb, &reply.Corrupted)
		}
	case dfs.ReportRemove:
		for _, rb := range args.Blocks {
			c.blocks.DropStore(rb.ID, args.Store)
		}
	case dfs.ReportFull:
		// Authoritative snapshot: add newly seen confirmations, then
		// drop confirmations for blocks absent from the snapshot.
		seen := make(map[dfs.BlockID]bool, len(args.Blocks))
		for _, rb := range args.Blocks {
			seen[rb.ID] = true
			c.confirm(args.Store, rb, &reply.Corrupted)
		}
		var stale []dfs.BlockID
		c.blocks.Each(func(id dfs.BlockID, _ dfs.BlockMeta, _ []dfs.StoreID) {
			if !seen[id] && c.blocks.HasStore(id, args.Store) {
				stale = append(stale, id)
			}
		})
		for _, id := range stale {
			c.blocks.DropStore(id, args.Store)
		}
	default:
		return fmt.Errorf("unknown block report kind %v", args.Kind)
	}
	return nil
}

// confirm records one reported block, deduplicating repeated reports
// from the same store. Corruption (meta mismatch or a block this
// control node never allocated) is collected for the reply and flagged
// for follow-up; it is never silently healed.
func (c *Control) confirm(store dfs.StoreID, rb dfs.ReportedBlock, corrupted *[]dfs.BlockID) {
	if c.blocks.HasStore(rb.ID, store) {
		return
	}
	if err := c.blocks.Report(store, rb); err != nil {
		log.Warning(err)
		*corrupted = append(*corrupted, rb.ID)
	}
}

// RPCHeartbeat is called by a storage node to let the control node
// know it is alive. The first beat since control startup requests a
// full block report to rebuild the volatile confirmation lists.
func (c *Control) RPCHeartbeat(args dfs.HeartbeatArg, reply *dfs.HeartbeatReply) error {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	known, firstBeat := c.stores.Heartbeat(args.Store, now)
	if !known {
		log.Warning("heartbeat from unregistered store ", args.Store)
		return nil
	}
	reply.RequestReport = firstBeat
	return nil
}

type replicationPlan struct {
	block dfs.BlockID
	from  dfs.ServerAddress
	to    dfs.ServerAddress
}

// sweep runs the periodic maintenance pass: lease eviction,
// under-replication planning, snapshot persistence. State mutation
// happens under the lock; disk and network I/O after it.
func (c *Control) sweep(now time.Time) {
	c.mu.Lock()
	for _, p := range c.open.SweepTimeouts(dfs.LeaseTTL, now) {
		log.Warningf("lease expired, evicted open entry %v", p)
	}
	if dead := c.stores.DeadStores(dfs.StoreTimeout, now); len(dead) > 0 {
		log.Debugf("stores not heartbeating: %v", dead)
	}
	plans := c.replicationPlans(now)

	var snap []byte
	if c.dirty && c.snapshotPath != "" {
		var err error
		snap, err = encodeSnapshot(c.root, c.blocks)
		if err != nil {
			log.Warning("cannot encode snapshot: ", err)
		}
		c.dirty = false
	}
	c.mu.Unlock()

	if snap != nil {
		if err := atomicWrite(c.snapshotPath, snap); err != nil {
			log.Warning("cannot persist snapshot: ", err)
		}
	}
	for _, plan := range plans {
		plan := plan
		go func() {
			log.Infof("re-replicating block %v from %v to %v", plan.block, plan.from, plan.to)
			var r dfs.ReplicateBlockReply
			err := util.Call(plan.from, "Store.RPCReplicateBlock",
				dfs.ReplicateBlockArg{Block: plan.block, StoreAddr: plan.to}, &r)
			if err != nil {
				log.Warning("re-replication rpc error: ", err)
			}
		}()
	}
}

// replicationPlans finds blocks whose alive, uncorrupted replica count
// is below the owning file's replication factor and pairs a holding
// source with a fresh target. Best effort: blocks with no usable
// source or no spare target wait for the next sweep.
func (c *Control) replicationPlans(now time.Time) []replicationPlan {
	var plans []replicationPlan
	c.blocks.Each(func(id dfs.BlockID, _ dfs.BlockMeta, stores []dfs.StoreID) {
		want := dfs.DefaultReplication
		if p, ok := c.blocks.VirtPath(id); ok {
			if node, err := c.root.resolve(cursorOf(p)); err == nil && !node.isDir {
				want = node.replication
			}
		}

		holding := make(map[dfs.StoreID]bool, len(stores))
		var sources []dfs.StoreID
		for _, s := range stores {
			holding[s] = true
			if c.stores.IsAlive(s, dfs.StoreTimeout, now) && !c.blocks.IsCorrupted(id, s) {
				sources = append(sources, s)
			}
		}
		if len(sources) == 0 || len(sources) >= want {
			return
		}

		target, err := c.stores.ChooseTarget(dfs.StoreTimeout, now, func(s dfs.StoreID) bool {
			return holding[s] || c.blocks.IsCorrupted(id, s)
		})
		if err != nil {
			return
		}
		fromAddr, _ := c.stores.Addr(sources[0])
		toAddr, _ := c.stores.Addr(target)
		plans = append(plans, replicationPlan{block: id, from: fromAddr, to: toAddr})
	})
	return plans
}
