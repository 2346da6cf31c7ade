package omemo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/omemo/envelope"
	"github.com/opd-ai/omemo/ratchet"
	"github.com/opd-ai/omemo/registry"
	"github.com/opd-ai/omemo/session"
)

// Options configures a Manager.
type Options struct {
	// Account is the local account's canonical bare identity.
	Account string

	// Store is the durable-storage collaborator.
	Store Store

	// Transport is the key-distribution collaborator.
	Transport Transport
}

// Manager orchestrates the per-device sessions of one local account: it
// owns the session and fetch-status registries and the device directory,
// applies trust transitions, bootstraps sessions from published bundles,
// fans outbound messages across all recipient devices and decrypts
// inbound envelopes addressed to the local device.
type Manager struct {
	account   string
	store     Store
	transport Transport

	sessions    *registry.SessionMap
	fetchStatus *registry.FetchStatusMap
	directory   *registry.DeviceDirectory

	// executor serializes outbound encryption; inboundMu serializes
	// decryption for the whole account.
	executor  *serialExecutor
	inboundMu sync.Mutex

	// publishMu serializes bundle and device-list republishing so
	// concurrent triggers observe each other's writes through the echo
	// instead of double-generating key material.
	publishMu sync.Mutex

	cacheMu      sync.Mutex
	messageCache map[string]*envelope.Outbound

	queueMu sync.Mutex
	waiting map[string][]Message

	cbMu               sync.RWMutex
	onKeyStatusUpdated func()
	onSessionsChanged  func()
	onSendFailed       func(Message, error)
	onMessageReady     func(Message, *envelope.Outbound)
}

// New creates a Manager, restores sessions whose ratchet state is already
// persisted, and starts the outbound encryption worker.
func New(opts Options) (*Manager, error) {
	if opts.Account == "" {
		return nil, fmt.Errorf("%w: empty account identity", ErrInvalidAddress)
	}
	if opts.Store == nil || opts.Transport == nil {
		return nil, errors.New("omemo: store and transport are required")
	}

	m := &Manager{
		account:      opts.Account,
		store:        opts.Store,
		transport:    opts.Transport,
		fetchStatus:  registry.NewFetchStatusMap(),
		directory:    registry.NewDeviceDirectory(),
		executor:     newSerialExecutor(),
		messageCache: make(map[string]*envelope.Outbound),
		waiting:      make(map[string][]Message),
	}
	m.sessions = registry.NewSessionMap(m.notifySessionsChanged)
	m.restoreSessions()

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"account":  m.account,
		"device":   m.ownDeviceID(),
	}).Info("Session manager created")
	return m, nil
}

// Stop shuts down the outbound worker after draining queued tasks.
func (m *Manager) Stop() {
	m.executor.shutdown()
}

// Account returns the local account identity.
func (m *Manager) Account() string {
	return m.account
}

// OwnDeviceID returns the local device id.
func (m *Manager) OwnDeviceID() int {
	return m.ownDeviceID()
}

func (m *Manager) ownDeviceID() int {
	return m.store.LocalDeviceID()
}

// OwnPublicKey returns the local identity key.
func (m *Manager) OwnPublicKey() ([]byte, error) {
	identity, err := m.store.Identity()
	if err != nil {
		return nil, fmt.Errorf("loading own identity: %w", err)
	}
	return identity.DH.Public, nil
}

// restoreSessions fills the session registry from persisted ratchet
// state for the local account and every known peer.
func (m *Manager) restoreSessions() {
	peers := append([]string{m.account}, m.store.KnownPeers()...)
	seen := make(map[string]bool, len(peers))
	for _, peer := range peers {
		if seen[peer] {
			continue
		}
		seen[peer] = true
		for _, deviceID := range m.store.SubDeviceSessions(peer) {
			addr := session.NewAddress(peer, deviceID)
			if s := m.materializeSession(addr); s != nil {
				m.sessions.Put(addr, s)
			}
		}
	}
}

// materializeSession rebuilds a Session from persisted ratchet state, or
// returns nil when none is on file.
func (m *Manager) materializeSession(addr session.Address) *session.Session {
	state, ok := m.store.LoadRatchet(addr)
	if !ok {
		return nil
	}
	cipher, err := ratchet.Restore(state, storeKeySource{m.store})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "materializeSession",
			"address":  addr.String(),
			"error":    err,
		}).Warn("Failed to restore persisted ratchet state")
		return nil
	}
	if fp := cipher.RemoteFingerprint(); fp != "" {
		return session.NewWithFingerprint(addr, cipher, fp)
	}
	return session.New(addr, cipher)
}

// persistSession writes a session's ratchet state back to the store.
func (m *Manager) persistSession(s *session.Session) {
	state, err := s.MarshalState()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "persistSession",
			"address":  s.RemoteAddress().String(),
			"error":    err,
		}).Error("Failed to marshal ratchet state")
		return
	}
	if state == nil {
		return
	}
	if err := m.store.SaveRatchet(s.RemoteAddress(), state); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "persistSession",
			"address":  s.RemoteAddress().String(),
			"error":    err,
		}).Error("Failed to persist ratchet state")
	}
}

// RegisterDevices processes a device-list announcement for a peer. The
// directory entry is replaced wholesale; vanished trusted devices become
// inactive, returning inactive devices become trusted again. For the own
// account, sessionless own devices are bootstrapped asynchronously.
func (m *Manager) RegisterDevices(peer string, ids map[int]bool) {
	if peer == "" {
		logrus.WithField("function", "RegisterDevices").
			Warn("Skipping device list with empty peer identity")
		return
	}
	announced := make(map[int]bool, len(ids))
	for id := range ids {
		announced[id] = true
	}

	if peer == m.account {
		delete(announced, m.ownDeviceID())
		for id := range announced {
			addr := session.NewAddress(peer, id)
			if _, ok := m.sessions.Get(addr); !ok {
				// Own devices get sessions eagerly so device-to-device
				// sync works; no message queue is waiting on them.
				m.buildSession(addr, "", false)
			}
		}
	}

	previous := m.store.SubDeviceSessions(peer)
	expired := make(map[int]bool)
	for _, id := range previous {
		if !announced[id] {
			expired[id] = true
		}
	}
	m.setTrustOnSessions(peer, expired, session.TrustTrusted, session.TrustInactive)
	m.setTrustOnSessions(peer, announced, session.TrustInactive, session.TrustTrusted)

	m.directory.Replace(peer, announced)

	logrus.WithFields(logrus.Fields{
		"function": "RegisterDevices",
		"peer":     peer,
		"devices":  len(announced),
		"expired":  len(expired),
	}).Info("Registered device list")

	m.notifyKeyStatusUpdated()
	go m.PublishDeviceIDsIfNeeded()
}

// setTrustOnSessions moves every listed session of a peer from one trust
// level to another. Sessions without a cached fingerprint are pre-trust
// and left alone.
func (m *Manager) setTrustOnSessions(peer string, ids map[int]bool, from, to session.Trust) {
	for id := range ids {
		s, ok := m.sessions.Get(session.NewAddress(peer, id))
		if ok && s.Fingerprint() != "" && s.Trust() == from {
			s.SetTrust(to)
		}
	}
}

// FingerprintTrust returns the stored trust decision for a fingerprint.
func (m *Manager) FingerprintTrust(fingerprint string) session.Trust {
	return m.store.FingerprintTrust(session.NormalizeFingerprint(fingerprint))
}

// SetFingerprintTrust records a trust decision and applies it to every
// live session carrying that fingerprint.
func (m *Manager) SetFingerprintTrust(fingerprint string, trust session.Trust) {
	fingerprint = session.NormalizeFingerprint(fingerprint)
	m.store.SetFingerprintTrust(fingerprint, trust)
	for _, peer := range append([]string{m.account}, m.store.KnownPeers()...) {
		for _, s := range m.sessions.GetAll(peer) {
			if s.Fingerprint() == fingerprint {
				s.SetTrust(trust)
			}
		}
	}
	m.notifyKeyStatusUpdated()
}

// PurgeKey marks an identity key compromised. Compromised sessions never
// participate in encryption fan-out again.
func (m *Manager) PurgeKey(identityKey []byte) {
	m.SetFingerprintTrust(session.FingerprintOf(identityKey), session.TrustCompromised)
}

// NumTrustedKeys counts the trusted identity keys of a peer.
func (m *Manager) NumTrustedKeys(peer string) int {
	return m.store.NumTrustedKeys(peer)
}

// IsPeerCapable reports whether encrypted messaging to a peer is
// possible: at least one session exists or at least one device is
// advertised.
func (m *Manager) IsPeerCapable(peer string) bool {
	return m.sessions.HasAny(peer) || m.directory.Has(peer)
}

// RegenerateKeys wipes all identity, session and fetch state, generates
// a fresh identity and republishes bundle and device id.
func (m *Manager) RegenerateKeys() error {
	if err := m.store.Regenerate(); err != nil {
		return fmt.Errorf("regenerating identity: %w", err)
	}
	m.sessions.Clear()
	m.fetchStatus.Clear()
	logrus.WithFields(logrus.Fields{
		"function": "RegenerateKeys",
		"account":  m.account,
	}).Info("Regenerated identity, wiped sessions")
	m.EnsureBundlePublished()
	m.PublishDeviceIDsIfNeeded()
	return nil
}

func (m *Manager) notifyKeyStatusUpdated() {
	m.cbMu.RLock()
	cb := m.onKeyStatusUpdated
	m.cbMu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (m *Manager) notifySessionsChanged() {
	m.cbMu.RLock()
	cb := m.onSessionsChanged
	m.cbMu.RUnlock()
	if cb != nil {
		cb()
	}
}

// OnKeyStatusUpdated registers the callback fired whenever trust or key
// material state changes.
func (m *Manager) OnKeyStatusUpdated(cb func()) {
	m.cbMu.Lock()
	m.onKeyStatusUpdated = cb
	m.cbMu.Unlock()
}

// OnSessionsChanged registers the callback fired after every session
// registration so the client can persist the device roster.
func (m *Manager) OnSessionsChanged(cb func()) {
	m.cbMu.Lock()
	m.onSessionsChanged = cb
	m.cbMu.Unlock()
}

// OnSendFailed registers the callback fired when a message cannot be
// encrypted.
func (m *Manager) OnSendFailed(cb func(Message, error)) {
	m.cbMu.Lock()
	m.onSendFailed = cb
	m.cbMu.Unlock()
}

// OnMessageReady registers the callback fired when an encrypted envelope
// is prepared and cached for transmission.
func (m *Manager) OnMessageReady(cb func(Message, *envelope.Outbound)) {
	m.cbMu.Lock()
	m.onMessageReady = cb
	m.cbMu.Unlock()
}
