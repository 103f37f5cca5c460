package beacon

import (
	"net"
	"sync"

	"meshcore/internal/identity"
)

// addressBook maps a known NodeID to its last-observed transport address.
// Populated from the node's configured bootstrap peers and updated from
// the source address of every authenticated beacon received.
type addressBook struct {
	mu    sync.RWMutex
	addrs map[identity.NodeID]*net.UDPAddr
}

func newAddressBook() *addressBook {
	return &addressBook{addrs: make(map[identity.NodeID]*net.UDPAddr)}
}

func (a *addressBook) Set(id identity.NodeID, addr *net.UDPAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addrs[id] = addr
}

func (a *addressBook) Get(id identity.NodeID) (*net.UDPAddr, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	addr, ok := a.addrs[id]
	return addr, ok
}

func (a *addressBook) Remove(id identity.NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.addrs, id)
}

// Known returns every NodeID this book currently has an address for.
func (a *addressBook) Known() []identity.NodeID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]identity.NodeID, 0, len(a.addrs))
	for id := range a.addrs {
		out = append(out, id)
	}
	return out
}
