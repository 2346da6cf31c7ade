package session

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Cipher is the black-box double-ratchet interface a Session drives.
// Implementations own the ratchet state and its persistence; every call
// that succeeds advances that state, so calls against one Cipher must be
// serialized by the caller.
type Cipher interface {
	// EncryptKey encrypts the inner content key for this session's remote
	// device. The second return reports whether the ciphertext is a
	// prekey-carrying message (first message of a fresh session).
	EncryptKey(innerKey []byte) (ciphertext []byte, preKey bool, err error)

	// DecryptKey recovers the inner content key from a key element
	// addressed to the local device.
	DecryptKey(ciphertext []byte, preKey bool) ([]byte, error)

	// RemoteFingerprint returns the normalized fingerprint of the remote
	// identity key, or "" while it is still unknown.
	RemoteFingerprint() string

	// ConsumedPreKeyID reports the id of the one-time prekey the last
	// DecryptKey consumed, if any.
	ConsumedPreKeyID() (uint32, bool)

	// ClearConsumedPreKeyID resets the consumed-prekey marker so a
	// republish is not re-triggered for the same consumption.
	ClearConsumedPreKeyID()
}

// Session binds one remote device address to its ratchet cipher, the
// locally cached fingerprint of the remote identity key, and a trust
// level. A Session with an empty fingerprint is pre-trust: freshly
// created and awaiting its first successful key exchange.
type Session struct {
	mu          sync.Mutex
	address     Address
	cipher      Cipher
	fingerprint string
	trust       Trust
}

// New creates a pre-trust Session with no cached fingerprint.
func New(address Address, cipher Cipher) *Session {
	return &Session{
		address: address,
		cipher:  cipher,
		trust:   TrustUndecided,
	}
}

// NewWithFingerprint creates a Session whose remote identity key is
// already known, e.g. restored from persisted ratchet state.
func NewWithFingerprint(address Address, cipher Cipher, fingerprint string) *Session {
	return &Session{
		address:     address,
		cipher:      cipher,
		fingerprint: NormalizeFingerprint(fingerprint),
		trust:       TrustUndecided,
	}
}

// RemoteAddress returns the device address this session is bound to.
func (s *Session) RemoteAddress() Address {
	return s.address
}

// MarshalState snapshots the cipher's serialized ratchet state. The
// snapshot is taken under the session lock so it never interleaves with
// an in-flight encrypt or decrypt on another goroutine. Returns a nil
// state when the cipher does not support persistence.
func (s *Session) MarshalState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marshaler, ok := s.cipher.(interface{ Marshal() ([]byte, error) })
	if !ok {
		return nil, nil
	}
	return marshaler.Marshal()
}

// Fingerprint returns the cached remote identity-key fingerprint, or ""
// while the session is pre-trust.
func (s *Session) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

// Trust returns the current trust level.
func (s *Session) Trust() Trust {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trust
}

// SetTrust assigns a trust level.
func (s *Session) SetTrust(trust Trust) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "SetTrust",
		"address":  s.address.String(),
		"from":     s.trust.String(),
		"to":       trust.String(),
	}).Debug("Updating session trust")
	s.trust = trust
}

// ProcessSending encrypts the inner content key under this session,
// advancing the send chain. Returns the ciphertext and whether it is a
// prekey-carrying message.
func (s *Session) ProcessSending(innerKey []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ciphertext, preKey, err := s.cipher.EncryptKey(innerKey)
	if err != nil {
		return nil, false, fmt.Errorf("session %s: encrypting inner key: %w", s.address, err)
	}
	return ciphertext, preKey, nil
}

// ProcessReceiving decrypts a key element addressed to the local device,
// advancing the receive chain. On first success against a pre-trust
// session the remote fingerprint is cached.
func (s *Session) ProcessReceiving(ciphertext []byte, preKey bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	innerKey, err := s.cipher.DecryptKey(ciphertext, preKey)
	if err != nil {
		return nil, fmt.Errorf("session %s: decrypting inner key: %w", s.address, err)
	}
	if s.fingerprint == "" {
		if fp := s.cipher.RemoteFingerprint(); fp != "" {
			s.fingerprint = NormalizeFingerprint(fp)
		}
	}
	return innerKey, nil
}

// ConsumedPreKeyID reports the one-time prekey id the last decryption
// consumed, if any.
func (s *Session) ConsumedPreKeyID() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cipher.ConsumedPreKeyID()
}

// ClearConsumedPreKeyID resets the consumed-prekey marker.
func (s *Session) ClearConsumedPreKeyID() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cipher.ClearConsumedPreKeyID()
}
