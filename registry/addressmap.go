package registry

import (
	"sync"

	"github.com/opd-ai/omemo/session"
)

// AddressMap is a thread-safe mapping from a device address to a value,
// sharded internally by peer identity. All operations share one critical
// section; within a peer, the last completed Put for a device id wins.
type AddressMap[V any] struct {
	mu  sync.RWMutex
	m   map[string]map[int]V
	obs func(session.Address, V)
}

// NewAddressMap creates an empty AddressMap.
func NewAddressMap[V any]() *AddressMap[V] {
	return &AddressMap[V]{m: make(map[string]map[int]V)}
}

// NewObservedAddressMap creates an AddressMap whose observer is invoked,
// outside the lock, after every successful Put. The session registry uses
// this to persist the device roster on insertion.
func NewObservedAddressMap[V any](onPut func(session.Address, V)) *AddressMap[V] {
	return &AddressMap[V]{m: make(map[string]map[int]V), obs: onPut}
}

// Put inserts or replaces the value for an address.
func (am *AddressMap[V]) Put(addr session.Address, v V) {
	am.mu.Lock()
	devices, ok := am.m[addr.Peer]
	if !ok {
		devices = make(map[int]V)
		am.m[addr.Peer] = devices
	}
	devices[addr.DeviceID] = v
	am.mu.Unlock()

	if am.obs != nil {
		am.obs(addr, v)
	}
}

// Get returns the value for an address, if present.
func (am *AddressMap[V]) Get(addr session.Address) (V, bool) {
	am.mu.RLock()
	defer am.mu.RUnlock()
	devices, ok := am.m[addr.Peer]
	if !ok {
		var zero V
		return zero, false
	}
	v, ok := devices[addr.DeviceID]
	return v, ok
}

// GetAll returns a copy of every device-scoped entry for a peer. The
// result is empty, never nil, when the peer is unknown.
func (am *AddressMap[V]) GetAll(peer string) map[int]V {
	am.mu.RLock()
	defer am.mu.RUnlock()
	out := make(map[int]V, len(am.m[peer]))
	for deviceID, v := range am.m[peer] {
		out[deviceID] = v
	}
	return out
}

// HasAny reports whether the peer has at least one entry.
func (am *AddressMap[V]) HasAny(peer string) bool {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return len(am.m[peer]) > 0
}

// Clear removes every entry.
func (am *AddressMap[V]) Clear() {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.m = make(map[string]map[int]V)
}
