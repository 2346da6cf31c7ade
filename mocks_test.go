package omemo

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/omemo/bundle"
	"github.com/opd-ai/omemo/ratchet"
	"github.com/opd-ai/omemo/session"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu         sync.Mutex
	deviceID   int
	identity   *ratchet.Identity
	trust      map[string]session.Trust
	identities map[string][]byte
	signed     map[uint32]*ratchet.SignedPreKey
	oneTime    map[uint32]ratchet.OneTimePreKey
	currentID  uint32
	ratchets   map[session.Address][]byte
}

func newMemStore(t *testing.T, deviceID int) *memStore {
	t.Helper()
	identity, err := ratchet.NewIdentity()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}
	ms := &memStore{
		deviceID:   deviceID,
		identity:   identity,
		trust:      make(map[string]session.Trust),
		identities: make(map[string][]byte),
		signed:     make(map[uint32]*ratchet.SignedPreKey),
		oneTime:    make(map[uint32]ratchet.OneTimePreKey),
		ratchets:   make(map[session.Address][]byte),
	}
	signed, err := ratchet.NewSignedPreKey(identity, 1)
	if err != nil {
		t.Fatalf("generating signed prekey: %v", err)
	}
	ms.signed[1] = signed
	keys, err := ratchet.NewOneTimePreKeys(0, bundle.TargetPreKeyPool)
	if err != nil {
		t.Fatalf("generating one-time prekeys: %v", err)
	}
	for _, k := range keys {
		ms.oneTime[k.ID] = k
		ms.currentID = k.ID
	}
	return ms
}

// publishedBundle assembles the bundle this store's device would
// advertise.
func (ms *memStore) publishedBundle() *bundle.Device {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	oneTime := make([]ratchet.OneTimePreKey, 0, len(ms.oneTime))
	for _, k := range ms.oneTime {
		oneTime = append(oneTime, k)
	}
	return ratchet.Bundle(ms.identity, ms.signed[1], oneTime)
}

func (ms *memStore) Identity() (*ratchet.Identity, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.identity, nil
}

func (ms *memStore) LocalDeviceID() int { return ms.deviceID }

func (ms *memStore) Regenerate() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	identity, err := ratchet.NewIdentity()
	if err != nil {
		return err
	}
	ms.identity = identity
	ms.trust = make(map[string]session.Trust)
	ms.identities = make(map[string][]byte)
	ms.signed = make(map[uint32]*ratchet.SignedPreKey)
	ms.oneTime = make(map[uint32]ratchet.OneTimePreKey)
	ms.currentID = 0
	ms.ratchets = make(map[session.Address][]byte)
	return nil
}

func (ms *memStore) SaveIdentity(peer string, identityKey []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if existing, ok := ms.identities[peer]; ok && !bytes.Equal(existing, identityKey) {
		return fmt.Errorf("%w: identity key changed for %s", ErrUntrustedIdentity, peer)
	}
	ms.identities[peer] = append([]byte(nil), identityKey...)
	return nil
}

func (ms *memStore) FingerprintTrust(fingerprint string) session.Trust {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.trust[fingerprint]
}

func (ms *memStore) SetFingerprintTrust(fingerprint string, trust session.Trust) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.trust[fingerprint] = trust
}

func (ms *memStore) NumTrustedKeys(peer string) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	count := 0
	for _, trust := range ms.trust {
		if trust == session.TrustTrusted {
			count++
		}
	}
	return count
}

func (ms *memStore) SignedPreKey(id uint32) (*ratchet.SignedPreKey, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	spk, ok := ms.signed[id]
	return spk, ok
}

func (ms *memStore) SignedPreKeys() []*ratchet.SignedPreKey {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]*ratchet.SignedPreKey, 0, len(ms.signed))
	for _, spk := range ms.signed {
		out = append(out, spk)
	}
	return out
}

func (ms *memStore) StoreSignedPreKey(spk *ratchet.SignedPreKey) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.signed[spk.ID] = spk
	return nil
}

func (ms *memStore) OneTimePreKey(id uint32) (ratchet.OneTimePreKey, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	k, ok := ms.oneTime[id]
	return k, ok
}

func (ms *memStore) StoreOneTimePreKeys(keys []ratchet.OneTimePreKey) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, k := range keys {
		ms.oneTime[k.ID] = k
		if k.ID > ms.currentID {
			ms.currentID = k.ID
		}
	}
	return nil
}

func (ms *memStore) RemoveOneTimePreKey(id uint32) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.oneTime, id)
}

func (ms *memStore) CurrentPreKeyID() uint32 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.currentID
}

func (ms *memStore) LoadRatchet(addr session.Address) ([]byte, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	state, ok := ms.ratchets[addr]
	return state, ok
}

func (ms *memStore) SaveRatchet(addr session.Address, state []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.ratchets[addr] = append([]byte(nil), state...)
	return nil
}

func (ms *memStore) SubDeviceSessions(peer string) []int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var ids []int
	for addr := range ms.ratchets {
		if addr.Peer == peer {
			ids = append(ids, addr.DeviceID)
		}
	}
	return ids
}

func (ms *memStore) KnownPeers() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	seen := make(map[string]bool)
	var peers []string
	for addr := range ms.ratchets {
		if !seen[addr.Peer] {
			seen[addr.Peer] = true
			peers = append(peers, addr.Peer)
		}
	}
	return peers
}

// mockTransport serves scripted bundles and device lists and records
// every call.
type mockTransport struct {
	mu           sync.Mutex
	bundles      map[session.Address]*bundle.Device
	deviceLists  map[string]map[int]bool
	bundleCalls  map[session.Address]int
	published    []*bundle.Device
	publishedIDs []map[int]bool

	// gate, when set, blocks RetrieveBundle until closed.
	gate chan struct{}

	// echoPublishes maps a device id to the account whose published
	// bundle PublishBundle should install as the served echo, like a
	// real PEP node would.
	echoPublishes map[int]string
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		bundles:     make(map[session.Address]*bundle.Device),
		deviceLists: make(map[string]map[int]bool),
		bundleCalls: make(map[session.Address]int),
	}
}

func (mt *mockTransport) serveBundle(peer string, deviceID int, dev *bundle.Device) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.bundles[session.NewAddress(peer, deviceID)] = dev
}

func (mt *mockTransport) RetrieveBundle(peer string, deviceID int) (*bundle.Device, error) {
	mt.mu.Lock()
	mt.bundleCalls[session.NewAddress(peer, deviceID)]++
	gate := mt.gate
	dev, ok := mt.bundles[session.NewAddress(peer, deviceID)]
	mt.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if !ok {
		return nil, fmt.Errorf("no bundle published for %s:%d", peer, deviceID)
	}
	return dev, nil
}

// echoBundlePublishes makes PublishBundle for the device install the
// bundle as the served echo for the given account.
func (mt *mockTransport) echoBundlePublishes(peer string, deviceID int) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.echoPublishes == nil {
		mt.echoPublishes = make(map[int]string)
	}
	mt.echoPublishes[deviceID] = peer
}

func (mt *mockTransport) PublishBundle(dev *bundle.Device, deviceID int) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.published = append(mt.published, dev)
	if peer, ok := mt.echoPublishes[deviceID]; ok {
		mt.bundles[session.NewAddress(peer, deviceID)] = dev
	}
	return nil
}

func (mt *mockTransport) RetrieveDeviceIDs(peer string) (map[int]bool, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	ids, ok := mt.deviceLists[peer]
	if !ok {
		return nil, fmt.Errorf("no device list published for %s", peer)
	}
	out := make(map[int]bool, len(ids))
	for id := range ids {
		out[id] = true
	}
	return out, nil
}

func (mt *mockTransport) PublishDeviceIDs(ids map[int]bool) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	copied := make(map[int]bool, len(ids))
	for id := range ids {
		copied[id] = true
	}
	mt.publishedIDs = append(mt.publishedIDs, copied)
	return nil
}

func (mt *mockTransport) bundleCallCount(peer string, deviceID int) int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.bundleCalls[session.NewAddress(peer, deviceID)]
}

func (mt *mockTransport) publishedBundleCount() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return len(mt.published)
}

func (mt *mockTransport) lastPublishedBundle() *bundle.Device {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if len(mt.published) == 0 {
		return nil
	}
	return mt.published[len(mt.published)-1]
}

const testTimeout = 2 * time.Second

// waitUntil polls cond until it holds or the timeout expires.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
