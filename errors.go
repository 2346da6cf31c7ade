package omemo

import "errors"

var (
	// ErrBundleUnavailable means the remote bundle was missing or
	// malformed; the fetch status moves to error and the next send
	// attempt retries the bootstrap.
	ErrBundleUnavailable = errors.New("omemo: bundle unavailable")

	// ErrUntrustedIdentity means key agreement rejected a changed
	// identity key; no session is built until the user decides.
	ErrUntrustedIdentity = errors.New("omemo: untrusted identity")

	// ErrCryptoFailure means envelope construction or decryption failed;
	// the operation aborts with no partial state persisted.
	ErrCryptoFailure = errors.New("omemo: crypto failure")

	// ErrInvalidAddress means an inbound reference carried a malformed
	// peer identity; the address is skipped.
	ErrInvalidAddress = errors.New("omemo: invalid address")

	// ErrNoSession means encryption was requested for a peer with no
	// registered sessions; bootstrap must run first.
	ErrNoSession = errors.New("omemo: no sessions for peer")

	// ErrNotAddressedToDevice means an inbound envelope carried no key
	// element for the local device id. Not a failure: the message was
	// simply meant for other devices.
	ErrNotAddressedToDevice = errors.New("omemo: envelope not addressed to this device")
)
