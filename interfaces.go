package omemo

import (
	"github.com/flynn/noise"

	"github.com/opd-ai/omemo/bundle"
	"github.com/opd-ai/omemo/ratchet"
	"github.com/opd-ai/omemo/session"
)

// Transport is the peer-to-peer key-distribution collaborator. Calls
// block until the remote side answers or the transport's own timeout
// policy fails them; the Manager drives them from goroutines.
type Transport interface {
	// RetrieveBundle fetches the published bundle of one device.
	RetrieveBundle(peer string, deviceID int) (*bundle.Device, error)

	// PublishBundle publishes the local device's bundle.
	PublishBundle(dev *bundle.Device, deviceID int) error

	// RetrieveDeviceIDs fetches the advertised device-id set of a peer.
	RetrieveDeviceIDs(peer string) (map[int]bool, error)

	// PublishDeviceIDs publishes the local account's device-id set.
	PublishDeviceIDs(ids map[int]bool) error
}

// Store is the durable-storage collaborator holding identity material,
// prekeys, per-fingerprint trust and per-address ratchet state.
type Store interface {
	// Identity returns the local device's identity key material.
	Identity() (*ratchet.Identity, error)

	// LocalDeviceID returns the registration id of this device.
	LocalDeviceID() int

	// Regenerate wipes all identity and session state and generates a
	// fresh identity.
	Regenerate() error

	// SaveIdentity records a peer's identity key on first use or update.
	// It returns ErrUntrustedIdentity when the store's policy rejects a
	// changed key.
	SaveIdentity(peer string, identityKey []byte) error

	// FingerprintTrust and SetFingerprintTrust read and write the trust
	// decision attached to an identity-key fingerprint.
	FingerprintTrust(fingerprint string) session.Trust
	SetFingerprintTrust(fingerprint string, trust session.Trust)

	// NumTrustedKeys counts trusted fingerprints for a peer.
	NumTrustedKeys(peer string) int

	// Signed prekey material.
	SignedPreKey(id uint32) (*ratchet.SignedPreKey, bool)
	SignedPreKeys() []*ratchet.SignedPreKey
	StoreSignedPreKey(spk *ratchet.SignedPreKey) error

	// One-time prekey material. CurrentPreKeyID is the highest id
	// generated so far; a consumed prekey is removed permanently.
	OneTimePreKey(id uint32) (ratchet.OneTimePreKey, bool)
	StoreOneTimePreKeys(keys []ratchet.OneTimePreKey) error
	RemoveOneTimePreKey(id uint32)
	CurrentPreKeyID() uint32

	// Per-address ratchet state.
	LoadRatchet(addr session.Address) ([]byte, bool)
	SaveRatchet(addr session.Address, state []byte) error

	// SubDeviceSessions enumerates device ids with persisted ratchet
	// state for a peer.
	SubDeviceSessions(peer string) []int

	// KnownPeers enumerates peers with any persisted ratchet state.
	KnownPeers() []string
}

// storeKeySource adapts Store to the ratchet package's responder-side
// private key lookup.
type storeKeySource struct {
	store Store
}

func (s storeKeySource) Identity() (*ratchet.Identity, error) {
	return s.store.Identity()
}

func (s storeKeySource) SignedPreKey(id uint32) (noise.DHKey, bool) {
	spk, ok := s.store.SignedPreKey(id)
	if !ok {
		return noise.DHKey{}, false
	}
	return spk.Key, true
}

func (s storeKeySource) OneTimePreKey(id uint32) (noise.DHKey, bool) {
	pk, ok := s.store.OneTimePreKey(id)
	if !ok {
		return noise.DHKey{}, false
	}
	return pk.Key, true
}

func (s storeKeySource) RemoveOneTimePreKey(id uint32) {
	s.store.RemoveOneTimePreKey(id)
}
