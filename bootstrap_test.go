package omemo

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/omemo/bundle"
	"github.com/opd-ai/omemo/registry"
	"github.com/opd-ai/omemo/session"
)

func TestCreateSessionsIfNeededBootstrapsOnlyMissing(t *testing.T) {
	mgr, store, transport := newTestManager(t, aliceJID, 1)

	// Contact advertises devices {5, 9}; device 5 already has a trusted
	// session, device 9 has none.
	s5 := injectSession(t, mgr, store, bobJID, 5, "fp-device-5")
	s5.SetTrust(session.TrustTrusted)
	mgr.directory.Replace(bobJID, map[int]bool{5: true, 9: true})
	mgr.directory.Replace(aliceJID, map[int]bool{1: true})

	bobStore := newMemStore(t, 9)
	transport.serveBundle(bobJID, 9, bobStore.publishedBundle())

	require.True(t, mgr.CreateSessionsIfNeeded(bobJID))

	waitUntil(t, testTimeout, func() bool {
		status, ok := mgr.fetchStatus.Get(session.NewAddress(bobJID, 9))
		return ok && status == registry.FetchSuccess
	})

	require.Equal(t, 0, transport.bundleCallCount(bobJID, 5))
	require.Equal(t, 1, transport.bundleCallCount(bobJID, 9))

	_, ok := mgr.sessions.Get(session.NewAddress(bobJID, 9))
	require.True(t, ok)

	// A second pass finds nothing left to do.
	require.False(t, mgr.CreateSessionsIfNeeded(bobJID))
	require.Equal(t, 1, transport.bundleCallCount(bobJID, 9))
}

func TestBuildSessionPendingIsNoOp(t *testing.T) {
	mgr, _, transport := newTestManager(t, aliceJID, 1)

	bobStore := newMemStore(t, 9)
	transport.serveBundle(bobJID, 9, bobStore.publishedBundle())

	// Hold the first fetch open so its status stays pending.
	gate := make(chan struct{})
	transport.gate = gate

	addr := session.NewAddress(bobJID, 9)
	require.True(t, mgr.buildSession(addr, bobJID, false))
	waitUntil(t, testTimeout, func() bool {
		return transport.bundleCallCount(bobJID, 9) == 1
	})

	// A second bootstrap attempt while pending must not issue another
	// transport request.
	require.False(t, mgr.buildSession(addr, bobJID, false))
	require.Equal(t, 1, transport.bundleCallCount(bobJID, 9))
	require.True(t, mgr.HasPendingKeyFetches(bobJID))

	close(gate)
	waitUntil(t, testTimeout, func() bool {
		return !mgr.HasPendingKeyFetches(bobJID)
	})
}

func TestBuildSessionConcurrentSingleFetch(t *testing.T) {
	mgr, _, transport := newTestManager(t, aliceJID, 1)

	bobStore := newMemStore(t, 9)
	transport.serveBundle(bobJID, 9, bobStore.publishedBundle())

	// Several triggers race to bootstrap the same address; only one may
	// reach the transport, or each duplicate burns one of the peer's
	// one-time prekey offers.
	addr := session.NewAddress(bobJID, 9)
	var started int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if mgr.buildSession(addr, bobJID, false) {
				atomic.AddInt32(&started, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), started)

	waitUntil(t, testTimeout, func() bool {
		return !mgr.HasPendingKeyFetches(bobJID)
	})
	require.Equal(t, 1, transport.bundleCallCount(bobJID, 9))
}

func TestBootstrapInvalidBundleSetsError(t *testing.T) {
	mgr, _, transport := newTestManager(t, aliceJID, 1)

	// Bundle with no one-time prekey offers is malformed.
	transport.serveBundle(bobJID, 9, &bundle.Device{
		IdentityKey:           []byte("ik"),
		SigningKey:            []byte("sk"),
		SignedPreKey:          []byte("spk"),
		SignedPreKeySignature: []byte("sig"),
	})

	addr := session.NewAddress(bobJID, 9)
	require.True(t, mgr.buildSession(addr, bobJID, false))

	waitUntil(t, testTimeout, func() bool {
		status, ok := mgr.fetchStatus.Get(addr)
		return ok && status == registry.FetchError
	})
	_, ok := mgr.sessions.Get(addr)
	require.False(t, ok)

	// An errored fetch is retried on the next attempt.
	mgr.directory.Replace(bobJID, map[int]bool{9: true})
	mgr.directory.Replace(aliceJID, map[int]bool{1: true})
	require.True(t, mgr.CreateSessionsIfNeeded(bobJID))
	waitUntil(t, testTimeout, func() bool {
		return transport.bundleCallCount(bobJID, 9) == 2
	})
}

func TestBootstrapChangedIdentitySetsError(t *testing.T) {
	mgr, store, transport := newTestManager(t, aliceJID, 1)

	// The store already holds a different identity key for bob.
	require.NoError(t, store.SaveIdentity(bobJID, []byte("previously-seen-key")))

	bobStore := newMemStore(t, 9)
	transport.serveBundle(bobJID, 9, bobStore.publishedBundle())

	addr := session.NewAddress(bobJID, 9)
	require.True(t, mgr.buildSession(addr, bobJID, false))

	waitUntil(t, testTimeout, func() bool {
		status, ok := mgr.fetchStatus.Get(addr)
		return ok && status == registry.FetchError
	})
	_, ok := mgr.sessions.Get(addr)
	require.False(t, ok)
}

func TestBootstrapMissingBundleSetsError(t *testing.T) {
	mgr, _, _ := newTestManager(t, aliceJID, 1)

	addr := session.NewAddress(bobJID, 9)
	require.True(t, mgr.buildSession(addr, bobJID, false))

	waitUntil(t, testTimeout, func() bool {
		status, ok := mgr.fetchStatus.Get(addr)
		return ok && status == registry.FetchError
	})
}
