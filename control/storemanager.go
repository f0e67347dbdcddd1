package control

import (
	"fmt"
	"time"

	"github.com/Banyc/dfs"
	"github.com/Banyc/dfs/util"
)

// storeManager tracks each storage node's static configuration and
// last heartbeat. Liveness is derived at query time, never stored.
type storeManager struct {
	stores map[dfs.StoreID]*storeStatus
}

type storeStatus struct {
	addr          dfs.ServerAddress
	lastHeartbeat time.Time
	beated        bool // false until the first heartbeat
}

func newStoreManager() *storeManager {
	return &storeManager{stores: make(map[dfs.StoreID]*storeStatus)}
}

// Register adds a storage node from configuration. The registry is
// config-driven, so a duplicate id is a configuration bug caught at
// startup.
func (sm *storeManager) Register(id dfs.StoreID, addr dfs.ServerAddress) {
	if _, ok := sm.stores[id]; ok {
		panic(fmt.Sprintf("store %s registered twice", id))
	}
	sm.stores[id] = &storeStatus{addr: addr}
}

// Heartbeat stamps the store's last-heartbeat time. Beats from
// unregistered stores are ignored; the bool tells the caller whether
// the store was known. firstBeat is true on a store's first beat since
// this control node started.
func (sm *storeManager) Heartbeat(id dfs.StoreID, now time.Time) (known, firstBeat bool) {
	s, ok := sm.stores[id]
	if !ok {
		return false, false
	}
	firstBeat = !s.beated
	s.beated = true
	s.lastHeartbeat = now
	return true, firstBeat
}

// IsAlive reports whether the store heartbeated within ttl. A store
// that never heartbeated is not alive.
func (sm *storeManager) IsAlive(id dfs.StoreID, ttl time.Duration, now time.Time) bool {
	s, ok := sm.stores[id]
	if !ok || !s.beated {
		return false
	}
	return now.Sub(s.lastHeartbeat) <= ttl
}

// Addr returns the network address of a registered store.
func (sm *storeManager) Addr(id dfs.StoreID) (dfs.ServerAddress, bool) {
	s, ok := sm.stores[id]
	if !ok {
		return "", false
	}
	return s.addr, true
}

// AliveStores returns the stores currently considered alive, minus any
// the caller excludes.
func (sm *storeManager) AliveStores(ttl time.Duration, now time.Time, exclude func(dfs.StoreID) bool) []dfs.StoreID {
	var alive []dfs.StoreID
	for id := range sm.stores {
		if !sm.IsAlive(id, ttl, now) {
			continue
		}
		if exclude != nil && exclude(id) {
			continue
		}
		alive = append(alive, id)
	}
	return alive
}

// ChooseTarget picks one alive store uniformly at random. This is the
// whole placement policy; nothing here tracks load.
func (sm *storeManager) ChooseTarget(ttl time.Duration, now time.Time, exclude func(dfs.StoreID) bool) (dfs.StoreID, error) {
	alive := sm.AliveStores(ttl, now, exclude)
	if len(alive) == 0 {
		return "", fmt.Errorf("no alive store to target")
	}
	pick, err := util.Sample(len(alive), 1)
	if err != nil {
		return "", err
	}
	return alive[pick[0]], nil
}

// DeadStores returns the stores whose last heartbeat is older than
// ttl, including those that never beat.
func (sm *storeManager) DeadStores(ttl time.Duration, now time.Time) []dfs.StoreID {
	var dead []dfs.StoreID
	for id := range sm.stores {
		if !sm.IsAlive(id, ttl, now) {
			dead = append(dead, id)
		}
	}
	return dead
}
