// Package envelope implements the multi-device message container: one
// payload sealed under a fresh random inner content key, plus one key
// element per recipient device carrying that inner key encrypted under
// the device's ratchet session.
//
// The payload seal uses NaCl secretbox; the per-device key elements are
// produced and consumed by the session layer.
package envelope
