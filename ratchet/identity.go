package ratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"

	"github.com/opd-ai/omemo/bundle"
	"github.com/opd-ai/omemo/session"
)

// Identity is one device's long-term key material: an X25519 pair for
// key agreement and an Ed25519 pair for signing prekeys.
type Identity struct {
	DH         noise.DHKey
	SigningKey ed25519.PrivateKey
	VerifyKey  ed25519.PublicKey
}

// NewIdentity generates fresh identity key material.
func NewIdentity() (*Identity, error) {
	dh, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ratchet: generating identity DH pair: %w", err)
	}
	verify, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ratchet: generating signing pair: %w", err)
	}
	return &Identity{DH: dh, SigningKey: signing, VerifyKey: verify}, nil
}

// Fingerprint returns the canonical fingerprint of the identity DH key.
func (id *Identity) Fingerprint() string {
	return session.FingerprintOf(id.DH.Public)
}

// SignedPreKey is a medium-term prekey signed by the identity.
type SignedPreKey struct {
	ID        uint32
	Key       noise.DHKey
	Signature []byte
}

// NewSignedPreKey generates a signed prekey under the given identity.
func NewSignedPreKey(id *Identity, keyID uint32) (*SignedPreKey, error) {
	key, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ratchet: generating signed prekey: %w", err)
	}
	return &SignedPreKey{
		ID:        keyID,
		Key:       key,
		Signature: ed25519.Sign(id.SigningKey, key.Public),
	}, nil
}

// OneTimePreKey is a single-use prekey offered in the published bundle.
type OneTimePreKey struct {
	ID  uint32
	Key noise.DHKey
}

// NewOneTimePreKeys generates count one-time prekeys with consecutive
// ids starting after lastID.
func NewOneTimePreKeys(lastID uint32, count int) ([]OneTimePreKey, error) {
	keys := make([]OneTimePreKey, 0, count)
	for i := 0; i < count; i++ {
		key, err := noise.DH25519.GenerateKeypair(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("ratchet: generating one-time prekey: %w", err)
		}
		keys = append(keys, OneTimePreKey{ID: lastID + uint32(i) + 1, Key: key})
	}
	return keys, nil
}

// Bundle assembles the publishable bundle for this device from its
// current key material.
func Bundle(id *Identity, signed *SignedPreKey, oneTime []OneTimePreKey) *bundle.Device {
	offers := make([]bundle.PreKey, 0, len(oneTime))
	for _, pk := range oneTime {
		offers = append(offers, bundle.PreKey{ID: pk.ID, PublicKey: pk.Key.Public})
	}
	return &bundle.Device{
		IdentityKey:           id.DH.Public,
		SigningKey:            id.VerifyKey,
		SignedPreKeyID:        signed.ID,
		SignedPreKey:          signed.Key.Public,
		SignedPreKeySignature: signed.Signature,
		PreKeys:               offers,
	}
}
