// Package session defines the per-device cryptographic session model for
// multi-device end-to-end encrypted messaging.
//
// Each remote device a peer owns gets its own Session, identified by an
// Address (bare peer identity plus integer device id). A Session wraps an
// externally managed double-ratchet cipher together with the locally cached
// fingerprint of the remote identity key and a user-facing trust level.
//
// The double-ratchet itself is consumed as a black box through the Cipher
// interface; the ratchet package provides the default implementation.
package session
