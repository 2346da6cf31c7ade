// Package omemo implements the session-orchestration core of a
// multi-device end-to-end encrypted messaging client.
//
// A Manager owns, per conversation partner, a set of independent
// per-device double-ratchet sessions. It bootstraps new sessions by
// fetching a peer's published key bundle, tracks trust per device
// fingerprint, fans outbound plaintext into one encrypted key element per
// recipient device (including the sending account's own other devices),
// and recovers plaintext from inbound multi-device envelopes addressed to
// the local device.
//
// The double-ratchet primitives, durable key storage and the wire
// transport are external collaborators: the Manager consumes them through
// the Store and Transport interfaces and the session.Cipher black box.
// The ratchet package supplies the default cipher implementation.
//
// # Basic usage
//
//	mgr, err := omemo.New(omemo.Options{
//	    Account:   "alice@example.com",
//	    Store:     store,
//	    Transport: transport,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Stop()
//
//	mgr.OnMessageReady(func(msg omemo.Message, env *envelope.Outbound) {
//	    // hand env to the wire transport
//	})
//
//	mgr.PrepareMessage(omemo.NewMessage("bob@example.com", "hi"))
//
// Inbound envelopes go through ProcessReceiving, which selects the key
// element addressed to the local device and returns the decrypted body
// together with the sender session's fingerprint.
//
// # Concurrency
//
// All registries are internally synchronized and may be touched from
// transport callbacks concurrently. Outbound encryption runs on a single
// serialized worker because every per-device encryption advances that
// session's ratchet state; inbound decryption is serialized per account
// for the same reason.
package omemo
