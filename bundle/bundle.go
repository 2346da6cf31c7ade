package bundle

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// TargetPreKeyPool is the minimum number of one-time prekey offers a
// published bundle should advertise.
const TargetPreKeyPool = 10

// ErrNoPreKeys is returned when a bundle offers no usable one-time
// prekeys.
var ErrNoPreKeys = errors.New("bundle: no one-time prekeys offered")

// PreKey is a single one-time prekey offer taken from a published bundle.
type PreKey struct {
	ID        uint32
	PublicKey []byte
}

// Device is the full published bundle of one device. IdentityKey is the
// X25519 identity used for key agreement and fingerprinting; SigningKey
// is the Ed25519 key that signs the signed prekey.
type Device struct {
	IdentityKey           []byte
	SigningKey            []byte
	SignedPreKeyID        uint32
	SignedPreKey          []byte
	SignedPreKeySignature []byte
	PreKeys               []PreKey
}

// Validate reports whether the bundle carries everything session
// bootstrap needs: identity key, signed prekey with signature, and at
// least one one-time prekey offer.
func (d *Device) Validate() error {
	if d == nil {
		return errors.New("bundle: missing")
	}
	if len(d.IdentityKey) == 0 {
		return errors.New("bundle: missing identity key")
	}
	if len(d.SigningKey) == 0 {
		return errors.New("bundle: missing signing key")
	}
	if len(d.SignedPreKey) == 0 {
		return errors.New("bundle: missing signed prekey")
	}
	if len(d.SignedPreKeySignature) == 0 {
		return errors.New("bundle: missing signed prekey signature")
	}
	if len(d.PreKeys) == 0 {
		return ErrNoPreKeys
	}
	return nil
}

// RandomPreKey selects one one-time prekey offer uniformly at random.
// Uniform selection keeps independent clients from all converging on the
// first offer and exhausting it.
func (d *Device) RandomPreKey() (PreKey, error) {
	if len(d.PreKeys) == 0 {
		return PreKey{}, ErrNoPreKeys
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return PreKey{}, fmt.Errorf("bundle: selecting prekey: %w", err)
	}
	idx := int(binary.BigEndian.Uint64(buf[:]) % uint64(len(d.PreKeys)))
	return d.PreKeys[idx], nil
}
