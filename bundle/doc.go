// Package bundle models the published key material a device advertises so
// that other devices can bootstrap a double-ratchet session with it: the
// identity key, the current signed prekey with its signature, and a pool
// of one-time prekey offers.
package bundle
