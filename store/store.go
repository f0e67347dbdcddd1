package store

import (
	"bytes"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/Banyc/dfs"
	"github.com/Banyc/dfs/util"
	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
)

const blockKeyPrefix = "block/"

func blockKey(id dfs.BlockID) []byte {
	return []byte(blockKeyPrefix + string(id))
}

// Store is a storage node. Block bytes live in a badger database under
// the node's data directory; a small in-memory index mirrors what the
// node holds so reports never scan disk.
type Store struct {
	id       dfs.StoreID
	address  dfs.ServerAddress
	control  dfs.ServerAddress
	maxBlock uint64
	l        net.Listener
	shutdown chan struct{}
	dead     bool

	db *badger.DB

	lock   sync.RWMutex
	blocks map[dfs.BlockID]dfs.BlockMeta
}

// NewAndServe starts a storage node and returns the pointer to it.
func NewAndServe(cfg dfs.StoreNodeConfig) *Store {
	s := &Store{
		id:       dfs.StoreID(cfg.ID),
		address:  dfs.ServerAddress(cfg.Addr),
		control:  dfs.ServerAddress(cfg.ControlAddr),
		maxBlock: cfg.BlockSize.Bytes(),
		shutdown: make(chan struct{}),
		blocks:   make(map[dfs.BlockID]dfs.BlockMeta),
	}
	if s.maxBlock == 0 {
		s.maxBlock = dfs.DefaultBlockSize.Bytes()
	}

	db, err := badger.Open(badger.DefaultOptions(cfg.DataDir).WithLogger(nil))
	if err != nil {
		log.Fatal("store cannot open block db: ", err)
	}
	s.db = db

	if err := s.loadIndex(); err != nil {
		log.Fatal("store cannot index block db: ", err)
	}

	rpcs := rpc.NewServer()
	rpcs.Register(s)
	l, e := net.Listen("tcp", string(s.address))
	if e != nil {
		log.Fatal("store listen error: ", e)
	}
	s.l = l

	// RPC Handler
	go func() {
		for {
			select {
			case <-s.shutdown:
				return
			default:
			}
			conn, err := s.l.Accept()
			if err == nil {
				go func() {
					rpcs.ServeConn(conn)
					conn.Close()
				}()
			} else {
				if !s.dead {
					log.Fatal("store accept error: ", err)
				}
			}
		}
	}()

	// Heartbeat
	go func() {
		for {
			select {
			case <-s.shutdown:
				return
			default:
			}
			var r dfs.HeartbeatReply
			err := util.Call(s.control, "Control.RPCHeartbeat", dfs.HeartbeatArg{Store: s.id}, &r)
			if err != nil {
				log.Info("heartbeat rpc error ", err)
			} else if r.RequestReport {
				if err := s.sendReport(dfs.ReportFull, s.inventory()); err != nil {
					log.Warning("full block report error: ", err)
				}
			}
			time.Sleep(dfs.HeartbeatInterval)
		}
	}()

	log.Infof("Store is now running. id = %v, addr = %v, control addr = %v", s.id, s.address, s.control)

	return s
}

// loadIndex rebuilds the in-memory block index from the block db.
// Sizes come from the stored bytes themselves; badger's ValueSize is
// approximate for values in the value log and must not feed BlockMeta,
// where a mismatch means corruption.
func (s *Store) loadIndex() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(blockKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := dfs.BlockID(bytes.TrimPrefix(item.KeyCopy(nil), []byte(blockKeyPrefix)))
			var size uint32
			err := item.Value(func(v []byte) error {
				size = uint32(len(v))
				return nil
			})
			if err != nil {
				return err
			}
			s.blocks[id] = dfs.BlockMeta{Size: size}
		}
		return nil
	})
}

// Shutdown shuts the storage node down.
func (s *Store) Shutdown() {
	if s.dead {
		return
	}
	log.Warning(s.id, " Shutdown")
	s.dead = true
	close(s.shutdown)
	s.l.Close()
	if err := s.db.Close(); err != nil {
		log.Warning("error closing block db: ", err)
	}
}

// inventory snapshots the in-memory block index for a report.
func (s *Store) inventory() []dfs.ReportedBlock {
	s.lock.RLock()
	defer s.lock.RUnlock()

	blocks := make([]dfs.ReportedBlock, 0, len(s.blocks))
	for id, meta := range s.blocks {
		blocks = append(blocks, dfs.ReportedBlock{ID: id, Meta: meta})
	}
	return blocks
}

// sendReport declares blocks to the control node. Corrupted notices in
// the reply are operator signals; the store keeps serving its copy
// until told to remove it.
func (s *Store) sendReport(kind dfs.BlockReportKind, blocks []dfs.ReportedBlock) error {
	var r dfs.BlockReportReply
	err := util.Call(s.control, "Control.RPCBlockReport",
		dfs.BlockReportArg{Store: s.id, Kind: kind, Blocks: blocks}, &r)
	if err != nil {
		return err
	}
	for _, id := range r.Corrupted {
		log.Warningf("store %v: control flagged block %v as corrupted", s.id, id)
	}
	return nil
}

// RPCOpenBlock is called by the control node to probe block access.
// A write is always permitted (blocks are written whole, once); a read
// is permitted only for blocks this node holds.
func (s *Store) RPCOpenBlock(args dfs.OpenBlockArg, reply *dfs.OpenBlockReply) error {
	if args.Write {
		reply.Permitted = true
		return nil
	}
	s.lock.RLock()
	_, ok := s.blocks[args.Block]
	s.lock.RUnlock()
	reply.Permitted = ok
	return nil
}

// RPCWriteBlock is called by a client (or a replicating peer) to store
// a whole block. The new copy is Add-reported to the control node so
// it lands on the block's confirming list.
func (s *Store) RPCWriteBlock(args dfs.WriteBlockArg, reply *dfs.WriteBlockReply) error {
	if uint64(len(args.Data)) > s.maxBlock {
		return fmt.Errorf("block %v size %v exceeds max block size %v", args.Block, len(args.Data), s.maxBlock)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(args.Block), args.Data)
	})
	if err != nil {
		return err
	}

	meta := dfs.BlockMeta{Size: uint32(len(args.Data))}
	s.lock.Lock()
	s.blocks[args.Block] = meta
	s.lock.Unlock()

	if err := s.sendReport(dfs.ReportAdd, []dfs.ReportedBlock{{ID: args.Block, Meta: meta}}); err != nil {
		log.Warning("add block report error: ", err)
	}
	return nil
}

// RPCReadBlock is called by a client to read a whole block back.
func (s *Store) RPCReadBlock(args dfs.ReadBlockArg, reply *dfs.ReadBlockReply) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(args.Block))
		if err != nil {
			return err
		}
		reply.Data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return fmt.Errorf("cannot find block %v", args.Block)
	}
	return err
}

// RPCRemoveBlock is called by the control node to drop a block copy,
// e.g. after file deletion. The removal is Remove-reported back.
func (s *Store) RPCRemoveBlock(args dfs.RemoveBlockArg, reply *dfs.RemoveBlockReply) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(blockKey(args.Block))
	})
	if err != nil {
		return err
	}

	s.lock.Lock()
	meta, ok := s.blocks[args.Block]
	delete(s.blocks, args.Block)
	s.lock.Unlock()
	if !ok {
		return nil
	}

	if err := s.sendReport(dfs.ReportRemove, []dfs.ReportedBlock{{ID: args.Block, Meta: meta}}); err != nil {
		log.Warning("remove block report error: ", err)
	}
	return nil
}

// RPCReplicateBlock is called by the control node: send our copy of
// the block to a target store. The target Add-reports its copy itself.
func (s *Store) RPCReplicateBlock(args dfs.ReplicateBlockArg, reply *dfs.ReplicateBlockReply) error {
	var read dfs.ReadBlockReply
	if err := s.RPCReadBlock(dfs.ReadBlockArg{Block: args.Block}, &read); err != nil {
		return err
	}
	var w dfs.WriteBlockReply
	return util.Call(args.StoreAddr, "Store.RPCWriteBlock",
		dfs.WriteBlockArg{Block: args.Block, Data: read.Data}, &w)
}

// RPCFullBlockReport returns everything this node holds; the control
// node can pull it instead of waiting for the next pushed report.
func (s *Store) RPCFullBlockReport(args dfs.FullBlockReportArg, reply *dfs.FullBlockReportReply) error {
	reply.Blocks = s.inventory()
	return nil
}
