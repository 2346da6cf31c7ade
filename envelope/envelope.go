package envelope

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecryptFailed is returned when the sealed payload does not open
// under the recovered inner key.
var ErrDecryptFailed = errors.New("envelope: payload decryption failed")

// KeyElement carries the inner content key encrypted for one recipient
// device. PreKey marks a prekey-carrying element that can establish a
// fresh session on the receiving side.
type KeyElement struct {
	RecipientDeviceID int
	Ciphertext        []byte
	PreKey            bool
}

// Outbound is a fully prepared multi-device envelope: the sealed payload
// plus one key element per recipient session.
type Outbound struct {
	SenderDeviceID int
	Nonce          [24]byte
	Payload        []byte
	KeyElements    []KeyElement

	innerKey [32]byte
}

// NewOutbound seals plaintext under a freshly generated random inner
// content key. Key elements are appended afterwards, one per recipient
// session.
func NewOutbound(senderDeviceID int, plaintext string) (*Outbound, error) {
	out := &Outbound{SenderDeviceID: senderDeviceID}
	if _, err := rand.Read(out.innerKey[:]); err != nil {
		return nil, fmt.Errorf("envelope: generating inner key: %w", err)
	}
	if _, err := rand.Read(out.Nonce[:]); err != nil {
		return nil, fmt.Errorf("envelope: generating nonce: %w", err)
	}
	out.Payload = secretbox.Seal(nil, []byte(plaintext), &out.Nonce, &out.innerKey)
	return out, nil
}

// InnerKey exposes the inner content key for per-session encryption.
func (o *Outbound) InnerKey() []byte {
	return o.innerKey[:]
}

// AddKeyElement appends a per-device key element.
func (o *Outbound) AddKeyElement(el KeyElement) {
	o.KeyElements = append(o.KeyElements, el)
}

// Inbound converts a prepared envelope into its received form, as it
// would arrive at another device of sender peer senderPeer.
func (o *Outbound) Inbound(senderPeer string) *Inbound {
	return &Inbound{
		SenderPeer:     senderPeer,
		SenderDeviceID: o.SenderDeviceID,
		Nonce:          o.Nonce,
		Payload:        o.Payload,
		KeyElements:    o.KeyElements,
	}
}

// Inbound is a received multi-device envelope.
type Inbound struct {
	SenderPeer     string
	SenderDeviceID int
	Nonce          [24]byte
	Payload        []byte
	KeyElements    []KeyElement
}

// ElementFor returns the key element addressed to the given device id.
func (in *Inbound) ElementFor(deviceID int) (KeyElement, bool) {
	for _, el := range in.KeyElements {
		if el.RecipientDeviceID == deviceID {
			return el, true
		}
	}
	return KeyElement{}, false
}

// OpenPayload decrypts the sealed payload with the recovered inner
// content key.
func (in *Inbound) OpenPayload(innerKey []byte) (string, error) {
	if len(innerKey) != 32 {
		return "", fmt.Errorf("envelope: inner key must be 32 bytes, got %d", len(innerKey))
	}
	var key [32]byte
	copy(key[:], innerKey)
	plaintext, ok := secretbox.Open(nil, in.Payload, &in.Nonce, &key)
	if !ok {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// Plaintext is the result of decrypting an inbound envelope: the message
// body plus the fingerprint of the sender session that produced it, for
// trust display.
type Plaintext struct {
	Body              string
	SenderFingerprint string
}
