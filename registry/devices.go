package registry

import "sync"

// DeviceDirectory maps a peer's canonical identity to the set of device
// ids it currently advertises. A fresh device-list announcement replaces
// the entry wholesale; entries are never merged incrementally.
type DeviceDirectory struct {
	mu      sync.RWMutex
	devices map[string]map[int]bool
}

// NewDeviceDirectory creates an empty directory.
func NewDeviceDirectory() *DeviceDirectory {
	return &DeviceDirectory{devices: make(map[string]map[int]bool)}
}

// Replace installs the advertised device-id set for a peer, discarding
// whatever was known before.
func (dd *DeviceDirectory) Replace(peer string, ids map[int]bool) {
	copied := make(map[int]bool, len(ids))
	for id := range ids {
		copied[id] = true
	}
	dd.mu.Lock()
	dd.devices[peer] = copied
	dd.mu.Unlock()
}

// Get returns a copy of the advertised device ids for a peer. The second
// return reports whether an announcement has been seen at all.
func (dd *DeviceDirectory) Get(peer string) (map[int]bool, bool) {
	dd.mu.RLock()
	defer dd.mu.RUnlock()
	ids, ok := dd.devices[peer]
	if !ok {
		return nil, false
	}
	out := make(map[int]bool, len(ids))
	for id := range ids {
		out[id] = true
	}
	return out, true
}

// Has reports whether the peer advertises at least one device.
func (dd *DeviceDirectory) Has(peer string) bool {
	dd.mu.RLock()
	defer dd.mu.RUnlock()
	return len(dd.devices[peer]) > 0
}

// Clear removes every entry.
func (dd *DeviceDirectory) Clear() {
	dd.mu.Lock()
	defer dd.mu.Unlock()
	dd.devices = make(map[string]map[int]bool)
}
