package ratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/opd-ai/omemo/bundle"
	"github.com/opd-ai/omemo/session"
)

var (
	// ErrBadSignature means the bundle's signed prekey signature did not
	// verify against its signing key.
	ErrBadSignature = errors.New("ratchet: signed prekey signature invalid")

	// ErrInvalidMessage means a key element could not be parsed or
	// authenticated.
	ErrInvalidMessage = errors.New("ratchet: invalid message")

	// ErrUnknownPreKey means a prekey message referenced key ids the
	// local store no longer holds.
	ErrUnknownPreKey = errors.New("ratchet: referenced prekey not found")

	// ErrNotEstablished means decryption was attempted before any prekey
	// message established the session.
	ErrNotEstablished = errors.New("ratchet: session not established")
)

// maxSkip bounds how far ahead of the expected counter a received
// message may be before it is rejected.
const maxSkip = 1000

const (
	headerLen      = 32 + 32 + 4 + 4 // identity pub, ephemeral pub, spk id, opk id
	counterLen     = 4
	chainLabel     = "omemo-ratchet-chain"
	rootLabel      = "omemo-ratchet-root"
	initiatorLabel = "omemo-chain-initiator"
	responderLabel = "omemo-chain-responder"
)

// KeySource resolves the local device's private prekey material when a
// received prekey message establishes a session from the responder side.
type KeySource interface {
	Identity() (*Identity, error)
	SignedPreKey(id uint32) (noise.DHKey, bool)
	OneTimePreKey(id uint32) (noise.DHKey, bool)

	// RemoveOneTimePreKey discards a consumed one-time prekey so it is
	// never offered or accepted again.
	RemoveOneTimePreKey(id uint32)
}

type header struct {
	IdentityKey     []byte `json:"ik"`
	EphemeralKey    []byte `json:"ek"`
	SignedPreKeyID  uint32 `json:"spk"`
	OneTimePreKeyID uint32 `json:"opk"`
}

// Cipher is a per-device double-ratchet session cipher. It implements
// session.Cipher; the session layer serializes all calls.
type Cipher struct {
	established    bool
	sendChain      []byte
	recvChain      []byte
	sendCount      uint32
	recvCount      uint32
	remoteIdentity []byte
	fingerprint    string
	consumedPreKey *uint32

	// handshake is retained by the initiator until the first reply
	// decrypts, so prekey messages can keep carrying it.
	handshake *header

	keys KeySource
}

// NewInitiator builds a session cipher from a fetched bundle and the
// one-time prekey offer selected from it. The signed prekey signature is
// verified before any key agreement runs.
func NewInitiator(local *Identity, remote *bundle.Device, preKey bundle.PreKey) (*Cipher, error) {
	if err := remote.Validate(); err != nil {
		return nil, err
	}
	if len(remote.SigningKey) != ed25519.PublicKeySize ||
		!ed25519.Verify(ed25519.PublicKey(remote.SigningKey), remote.SignedPreKey, remote.SignedPreKeySignature) {
		return nil, ErrBadSignature
	}

	ephemeral, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ratchet: generating ephemeral key: %w", err)
	}

	dh1, err := noise.DH25519.DH(local.DH.Private, remote.SignedPreKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: key agreement: %w", err)
	}
	dh2, err := noise.DH25519.DH(ephemeral.Private, remote.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: key agreement: %w", err)
	}
	dh3, err := noise.DH25519.DH(ephemeral.Private, remote.SignedPreKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: key agreement: %w", err)
	}
	dh4, err := noise.DH25519.DH(ephemeral.Private, preKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: key agreement: %w", err)
	}

	root := deriveRoot(dh1, dh2, dh3, dh4)
	c := &Cipher{
		established:    true,
		sendChain:      deriveChain(root, initiatorLabel),
		recvChain:      deriveChain(root, responderLabel),
		remoteIdentity: remote.IdentityKey,
		fingerprint:    session.FingerprintOf(remote.IdentityKey),
		handshake: &header{
			IdentityKey:     local.DH.Public,
			EphemeralKey:    ephemeral.Public,
			SignedPreKeyID:  remote.SignedPreKeyID,
			OneTimePreKeyID: preKey.ID,
		},
	}
	return c, nil
}

// NewResponder builds an unestablished session cipher that will complete
// key agreement from the first prekey message it decrypts, resolving
// local private prekeys through keys.
func NewResponder(keys KeySource) *Cipher {
	return &Cipher{keys: keys}
}

// EncryptKey encrypts the inner content key, advancing the send chain.
func (c *Cipher) EncryptKey(innerKey []byte) ([]byte, bool, error) {
	if !c.established {
		return nil, false, ErrNotEstablished
	}
	chain, msgKey := kdfStep(c.sendChain)
	sealed, err := seal(msgKey, c.sendCount, innerKey)
	if err != nil {
		return nil, false, err
	}

	var out []byte
	preKey := c.handshake != nil
	if preKey {
		out = make([]byte, 0, headerLen+counterLen+len(sealed))
		out = append(out, c.handshake.IdentityKey...)
		out = append(out, c.handshake.EphemeralKey...)
		out = binary.BigEndian.AppendUint32(out, c.handshake.SignedPreKeyID)
		out = binary.BigEndian.AppendUint32(out, c.handshake.OneTimePreKeyID)
	} else {
		out = make([]byte, 0, counterLen+len(sealed))
	}
	out = binary.BigEndian.AppendUint32(out, c.sendCount)
	out = append(out, sealed...)

	c.sendChain = chain
	c.sendCount++
	return out, preKey, nil
}

// DecryptKey recovers the inner content key, advancing the receive
// chain. A prekey message against an unestablished cipher performs the
// responder side of key agreement first.
func (c *Cipher) DecryptKey(ciphertext []byte, preKey bool) ([]byte, error) {
	body := ciphertext
	if preKey {
		if len(ciphertext) < headerLen+counterLen {
			return nil, ErrInvalidMessage
		}
		hdr := header{
			IdentityKey:     ciphertext[:32],
			EphemeralKey:    ciphertext[32:64],
			SignedPreKeyID:  binary.BigEndian.Uint32(ciphertext[64:68]),
			OneTimePreKeyID: binary.BigEndian.Uint32(ciphertext[68:72]),
		}
		body = ciphertext[headerLen:]
		if !c.established {
			if err := c.establish(hdr); err != nil {
				return nil, err
			}
		}
	}
	if !c.established {
		return nil, ErrNotEstablished
	}
	if len(body) < counterLen {
		return nil, ErrInvalidMessage
	}

	counter := binary.BigEndian.Uint32(body[:counterLen])
	if counter < c.recvCount || counter-c.recvCount > maxSkip {
		return nil, ErrInvalidMessage
	}

	// Step the chain forward to the message counter; skipped message
	// keys are discarded since per-device delivery is serialized.
	chain := c.recvChain
	var msgKey []byte
	for i := c.recvCount; i <= counter; i++ {
		chain, msgKey = kdfStep(chain)
	}
	innerKey, err := open(msgKey, counter, body[counterLen:])
	if err != nil {
		return nil, err
	}

	c.recvChain = chain
	c.recvCount = counter + 1
	// First decrypted reply confirms the responder has the session;
	// stop sending prekey headers.
	c.handshake = nil
	return innerKey, nil
}

func (c *Cipher) establish(hdr header) error {
	if c.keys == nil {
		return ErrNotEstablished
	}
	local, err := c.keys.Identity()
	if err != nil {
		return fmt.Errorf("ratchet: loading local identity: %w", err)
	}
	signedPreKey, ok := c.keys.SignedPreKey(hdr.SignedPreKeyID)
	if !ok {
		return ErrUnknownPreKey
	}
	oneTime, ok := c.keys.OneTimePreKey(hdr.OneTimePreKeyID)
	if !ok {
		return ErrUnknownPreKey
	}

	dh1, err := noise.DH25519.DH(signedPreKey.Private, hdr.IdentityKey)
	if err != nil {
		return fmt.Errorf("ratchet: key agreement: %w", err)
	}
	dh2, err := noise.DH25519.DH(local.DH.Private, hdr.EphemeralKey)
	if err != nil {
		return fmt.Errorf("ratchet: key agreement: %w", err)
	}
	dh3, err := noise.DH25519.DH(signedPreKey.Private, hdr.EphemeralKey)
	if err != nil {
		return fmt.Errorf("ratchet: key agreement: %w", err)
	}
	dh4, err := noise.DH25519.DH(oneTime.Private, hdr.EphemeralKey)
	if err != nil {
		return fmt.Errorf("ratchet: key agreement: %w", err)
	}

	root := deriveRoot(dh1, dh2, dh3, dh4)
	c.established = true
	c.sendChain = deriveChain(root, responderLabel)
	c.recvChain = deriveChain(root, initiatorLabel)
	c.remoteIdentity = hdr.IdentityKey
	c.fingerprint = session.FingerprintOf(hdr.IdentityKey)
	consumed := hdr.OneTimePreKeyID
	c.consumedPreKey = &consumed
	c.keys.RemoveOneTimePreKey(consumed)
	return nil
}

// RemoteFingerprint implements session.Cipher.
func (c *Cipher) RemoteFingerprint() string {
	return c.fingerprint
}

// ConsumedPreKeyID implements session.Cipher.
func (c *Cipher) ConsumedPreKeyID() (uint32, bool) {
	if c.consumedPreKey == nil {
		return 0, false
	}
	return *c.consumedPreKey, true
}

// ClearConsumedPreKeyID implements session.Cipher.
func (c *Cipher) ClearConsumedPreKeyID() {
	c.consumedPreKey = nil
}

type cipherState struct {
	Established    bool    `json:"established"`
	SendChain      []byte  `json:"send_chain,omitempty"`
	RecvChain      []byte  `json:"recv_chain,omitempty"`
	SendCount      uint32  `json:"send_count"`
	RecvCount      uint32  `json:"recv_count"`
	RemoteIdentity []byte  `json:"remote_identity,omitempty"`
	Fingerprint    string  `json:"fingerprint,omitempty"`
	ConsumedPreKey *uint32 `json:"consumed_pre_key,omitempty"`
	Handshake      *header `json:"handshake,omitempty"`
}

// Marshal serializes the ratchet state for the persistent store.
func (c *Cipher) Marshal() ([]byte, error) {
	return json.Marshal(cipherState{
		Established:    c.established,
		SendChain:      c.sendChain,
		RecvChain:      c.recvChain,
		SendCount:      c.sendCount,
		RecvCount:      c.recvCount,
		RemoteIdentity: c.remoteIdentity,
		Fingerprint:    c.fingerprint,
		ConsumedPreKey: c.consumedPreKey,
		Handshake:      c.handshake,
	})
}

// Restore rebuilds a cipher from persisted state. keys may be nil for a
// cipher that was already established when saved.
func Restore(data []byte, keys KeySource) (*Cipher, error) {
	var st cipherState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("ratchet: restoring state: %w", err)
	}
	return &Cipher{
		established:    st.Established,
		sendChain:      st.SendChain,
		recvChain:      st.RecvChain,
		sendCount:      st.SendCount,
		recvCount:      st.RecvCount,
		remoteIdentity: st.RemoteIdentity,
		fingerprint:    st.Fingerprint,
		consumedPreKey: st.ConsumedPreKey,
		handshake:      st.Handshake,
		keys:           keys,
	}, nil
}

func deriveRoot(parts ...[]byte) []byte {
	var concat []byte
	for _, p := range parts {
		concat = append(concat, p...)
	}
	return expand(concat, rootLabel)
}

func deriveChain(root []byte, label string) []byte {
	return expand(root, label)
}

func kdfStep(chain []byte) (next, msgKey []byte) {
	out := expandN(chain, chainLabel, 64)
	return out[:32], out[32:]
}

func expand(secret []byte, label string) []byte {
	return expandN(secret, label, 32)
}

func expandN(secret []byte, label string, n int) []byte {
	out := make([]byte, n)
	r := hkdf.New(sha256.New, secret, nil, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("hkdf expand: %v", err))
	}
	return out
}

func seal(msgKey []byte, counter uint32, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(msgKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: creating AEAD: %w", err)
	}
	return aead.Seal(nil, nonceFor(counter), plaintext, nil), nil
}

func open(msgKey []byte, counter uint32, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(msgKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: creating AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, nonceFor(counter), ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidMessage
	}
	return plaintext, nil
}

func nonceFor(counter uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], counter)
	return nonce
}
