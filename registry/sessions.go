package registry

import (
	"github.com/opd-ai/omemo/session"
	"github.com/sirupsen/logrus"
)

// SessionMap is the registry of active per-device sessions. Every
// insertion notifies the provided persistence hook so the surrounding
// client can write the updated roster of known sessions to durable
// storage.
type SessionMap struct {
	*AddressMap[*session.Session]
}

// NewSessionMap creates a session registry. onChanged may be nil; when
// set it runs after every insertion, outside the registry lock.
func NewSessionMap(onChanged func()) *SessionMap {
	return &SessionMap{
		AddressMap: NewObservedAddressMap(func(addr session.Address, _ *session.Session) {
			logrus.WithFields(logrus.Fields{
				"function": "SessionMap.Put",
				"address":  addr.String(),
			}).Debug("Session registered")
			if onChanged != nil {
				onChanged()
			}
		}),
	}
}

// FetchStatus tags an in-flight or just-completed bundle fetch for one
// device address. Absence of an entry means never attempted or result
// consumed. Never persisted.
type FetchStatus uint8

const (
	FetchPending FetchStatus = iota + 1
	FetchSuccess
	FetchError
)

func (fs FetchStatus) String() string {
	switch fs {
	case FetchPending:
		return "pending"
	case FetchSuccess:
		return "success"
	case FetchError:
		return "error"
	default:
		return "unknown"
	}
}

// FetchStatusMap tracks transient bundle-fetch state per device address.
type FetchStatusMap struct {
	*AddressMap[FetchStatus]
}

// NewFetchStatusMap creates an empty fetch-status registry.
func NewFetchStatusMap() *FetchStatusMap {
	return &FetchStatusMap{AddressMap: NewAddressMap[FetchStatus]()}
}

// ClaimPending marks a fetch pending unless one is already outstanding
// for the address. Check and claim happen in one critical section, so of
// any number of concurrent claimants exactly one wins. A terminal status
// (success or error) is reclaimable. Reports whether the claim
// succeeded.
func (fm *FetchStatusMap) ClaimPending(addr session.Address) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	devices, ok := fm.m[addr.Peer]
	if ok && devices[addr.DeviceID] == FetchPending {
		return false
	}
	if !ok {
		devices = make(map[int]FetchStatus)
		fm.m[addr.Peer] = devices
	}
	devices[addr.DeviceID] = FetchPending
	return true
}

// HasPending reports whether any device of the peer has an outstanding
// bundle fetch.
func (fm *FetchStatusMap) HasPending(peer string) bool {
	for _, status := range fm.GetAll(peer) {
		if status == FetchPending {
			return true
		}
	}
	return false
}
