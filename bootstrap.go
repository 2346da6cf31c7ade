package omemo

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/omemo/bundle"
	"github.com/opd-ai/omemo/ratchet"
	"github.com/opd-ai/omemo/registry"
	"github.com/opd-ai/omemo/session"
)

// CreateSessionsIfNeeded bootstraps a session for every device of the
// peer (and of the local account) that lacks one. Devices whose bundle
// fetch is already pending are left alone; devices whose last fetch
// errored are retried. Returns true when at least one new bootstrap was
// started, in which case queued sends for the conversation are flushed
// once no relevant fetch remains pending.
func (m *Manager) CreateSessionsIfNeeded(peer string) bool {
	newSessions := false
	for _, addr := range m.findDevicesWithoutSession(peer) {
		status, ok := m.fetchStatus.Get(addr)
		if !ok || status == registry.FetchError {
			if m.buildSession(addr, peer, true) {
				newSessions = true
			}
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "CreateSessionsIfNeeded",
				"address":  addr.String(),
				"status":   status.String(),
			}).Debug("Bundle fetch already attempted, skipping")
		}
	}
	return newSessions
}

// findDevicesWithoutSession returns the addresses among the peer's and
// the local account's advertised devices that have neither a registered
// session nor persisted ratchet state. Addresses with persisted state
// are lazily materialized into the registry on the way.
func (m *Manager) findDevicesWithoutSession(peer string) []session.Address {
	var missing []session.Address
	identities := []string{peer, m.account}
	if peer == m.account {
		identities = identities[:1]
	}
	for _, identity := range identities {
		ids, ok := m.directory.Get(identity)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function": "findDevicesWithoutSession",
				"peer":     identity,
			}).Warn("No advertised devices known for identity")
			continue
		}
		for id := range ids {
			if identity == m.account && id == m.ownDeviceID() {
				continue
			}
			addr := session.NewAddress(identity, id)
			if _, ok := m.sessions.Get(addr); ok {
				continue
			}
			if s := m.materializeSession(addr); s != nil {
				logrus.WithFields(logrus.Fields{
					"function": "findDevicesWithoutSession",
					"address":  addr.String(),
				}).Debug("Restored persisted session into registry")
				m.sessions.Put(addr, s)
				continue
			}
			missing = append(missing, addr)
		}
	}
	return missing
}

// HasPendingKeyFetches reports whether any device of the local account
// or of the peer still has an outstanding bundle fetch.
func (m *Manager) HasPendingKeyFetches(peer string) bool {
	return m.fetchStatus.HasPending(m.account) || m.fetchStatus.HasPending(peer)
}

// buildSession starts an asynchronous bundle fetch and session bootstrap
// for one device address. A fetch already pending for the address makes
// this a no-op. Returns whether a fetch was started.
func (m *Manager) buildSession(addr session.Address, conversation string, flushAfter bool) bool {
	if !m.fetchStatus.ClaimPending(addr) {
		logrus.WithFields(logrus.Fields{
			"function": "buildSession",
			"address":  addr.String(),
		}).Debug("Bundle fetch already pending")
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function": "buildSession",
		"address":  addr.String(),
	}).Info("Fetching bundle for new session")

	go m.fetchBundle(addr, conversation, flushAfter)
	return true
}

// fetchBundle is the bootstrap continuation chain: retrieve, validate,
// build, then gate completion.
func (m *Manager) fetchBundle(addr session.Address, conversation string, flushAfter bool) {
	defer m.finishFetch(addr, conversation, flushAfter)

	dev, err := m.transport.RetrieveBundle(addr.Peer, addr.DeviceID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "fetchBundle",
			"address":  addr.String(),
			"error":    fmt.Errorf("%w: %v", ErrBundleUnavailable, err),
		}).Error("Bundle retrieval failed")
		m.fetchStatus.Put(addr, registry.FetchError)
		return
	}
	if err := dev.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "fetchBundle",
			"address":  addr.String(),
			"error":    fmt.Errorf("%w: %v", ErrBundleUnavailable, err),
		}).Error("Received invalid bundle")
		m.fetchStatus.Put(addr, registry.FetchError)
		return
	}

	m.processBundle(addr, dev)
}

// processBundle selects a one-time prekey offer, persists the peer's
// identity key and runs the key agreement. The session registers only on
// success.
func (m *Manager) processBundle(addr session.Address, dev *bundle.Device) {
	preKey, err := dev.RandomPreKey()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processBundle",
			"address":  addr.String(),
			"error":    err,
		}).Error("No usable prekey offer in bundle")
		m.fetchStatus.Put(addr, registry.FetchError)
		return
	}

	if err := m.store.SaveIdentity(addr.Peer, dev.IdentityKey); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processBundle",
			"address":  addr.String(),
			"error":    err,
		}).Error("Identity key rejected")
		m.fetchStatus.Put(addr, registry.FetchError)
		if errors.Is(err, ErrUntrustedIdentity) {
			m.notifyKeyStatusUpdated()
		}
		return
	}

	identity, err := m.store.Identity()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processBundle",
			"address":  addr.String(),
			"error":    err,
		}).Error("Failed to load own identity")
		m.fetchStatus.Put(addr, registry.FetchError)
		return
	}

	cipher, err := ratchet.NewInitiator(identity, dev, preKey)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processBundle",
			"address":  addr.String(),
			"error":    err,
		}).Error("Key agreement failed, session not built")
		m.fetchStatus.Put(addr, registry.FetchError)
		return
	}

	s := session.NewWithFingerprint(addr, cipher, session.FingerprintOf(dev.IdentityKey))
	m.sessions.Put(addr, s)
	m.persistSession(s)
	m.fetchStatus.Put(addr, registry.FetchSuccess)

	logrus.WithFields(logrus.Fields{
		"function":    "processBundle",
		"address":     addr.String(),
		"fingerprint": s.Fingerprint()[:16],
	}).Info("Session established from bundle")
}

// finishFetch applies the completion-gating rule: only when no device of
// the local account or of the conversation peer is still pending does it
// flush queued plaintexts and announce the key-status change. This keeps
// fan-out from running against a device set whose membership is still
// being discovered.
func (m *Manager) finishFetch(addr session.Address, conversation string, flushAfter bool) {
	if m.fetchStatus.HasPending(m.account) || m.fetchStatus.HasPending(addr.Peer) {
		return
	}
	if flushAfter && conversation != "" {
		m.flushWaiting(conversation)
	}
	m.notifyKeyStatusUpdated()
}
