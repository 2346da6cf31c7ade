// Package ratchet provides the default double-ratchet-style cipher behind
// the session layer's black-box Cipher interface.
//
// Session establishment follows the X3DH pattern: the initiator combines
// Curve25519 agreements between its identity and ephemeral keys and the
// responder's identity, signed prekey and one one-time prekey, then both
// sides derive send/receive KDF chains from the shared root. Per-message
// keys are ratcheted forward with HKDF and seal the inner content key
// with ChaCha20-Poly1305. Curve25519 operations go through flynn/noise's
// DH25519 function; signed prekeys carry Ed25519 signatures.
//
// The initiator keeps emitting prekey-carrying messages until it has
// successfully decrypted one reply, so a responder that missed the first
// message can still establish the session.
package ratchet
