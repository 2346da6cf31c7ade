package omemo

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/omemo/envelope"
	"github.com/opd-ai/omemo/session"
)

// Message is one outbound plaintext addressed to a conversation peer.
// RemoteURL replaces the body when the payload is an attachment already
// hosted externally.
type Message struct {
	ID        string
	Peer      string
	Body      string
	RemoteURL string
}

// NewMessage creates a Message with a fresh identifier.
func NewMessage(peer, body string) Message {
	return Message{ID: uuid.NewString(), Peer: peer, Body: body}
}

// content resolves what actually gets encrypted: the hosted-attachment
// locator when present, the body otherwise.
func (msg Message) content() string {
	if msg.RemoteURL != "" {
		return msg.RemoteURL
	}
	return msg.Body
}

// PrepareMessage drives a message toward transmission. When every
// relevant device already has a session the message is encrypted on the
// serialized worker; otherwise it is queued and the missing sessions are
// bootstrapped, with the queue flushed once no fetch remains pending.
func (m *Manager) PrepareMessage(msg Message) {
	if m.envelopeCached(msg.ID) {
		return
	}
	// Queue first so a bootstrap completing concurrently cannot flush
	// past a message that is not enqueued yet.
	m.enqueueWaiting(msg)
	newSessions := m.CreateSessionsIfNeeded(msg.Peer)
	if !newSessions && !m.HasPendingKeyFetches(msg.Peer) {
		m.flushWaiting(msg.Peer)
	}
}

// processSending hands the message to the serialized encryption worker.
func (m *Manager) processSending(msg Message) {
	m.executor.execute(func() {
		env, err := m.Encrypt(msg)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "processSending",
				"message":  msg.ID,
				"peer":     msg.Peer,
				"error":    err,
			}).Warn("Failed to encrypt message")
			m.notifySendFailed(msg, err)
			return
		}
		m.cacheEnvelope(msg.ID, env)
		logrus.WithFields(logrus.Fields{
			"function": "processSending",
			"message":  msg.ID,
			"elements": len(env.KeyElements),
		}).Debug("Envelope prepared and cached")
		m.notifyMessageReady(msg, env)
	})
}

// Encrypt fans one message out across every registered session of the
// recipient peer and of the local account's other devices, skipping
// sessions marked compromised. The session set is snapshotted once per
// call so the foreign and own passes observe consistent state. Callers
// outside the serialized worker must not use this directly.
func (m *Manager) Encrypt(msg Message) (*envelope.Outbound, error) {
	env, err := envelope.NewOutbound(m.ownDeviceID(), msg.content())
	if err != nil {
		return nil, fmt.Errorf("%w: building envelope: %v", ErrCryptoFailure, err)
	}

	contactSessions := m.sessions.GetAll(msg.Peer)
	if len(contactSessions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, msg.Peer)
	}
	ownSessions := m.sessions.GetAll(m.account)

	for _, sessions := range []map[int]*session.Session{contactSessions, ownSessions} {
		for _, s := range sessions {
			if s.Trust() == session.TrustCompromised {
				logrus.WithFields(logrus.Fields{
					"function": "Encrypt",
					"address":  s.RemoteAddress().String(),
				}).Warn("Skipping compromised session in fan-out")
				continue
			}
			ciphertext, preKey, err := s.ProcessSending(env.InnerKey())
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
			}
			env.AddKeyElement(envelope.KeyElement{
				RecipientDeviceID: s.RemoteAddress().DeviceID,
				Ciphertext:        ciphertext,
				PreKey:            preKey,
			})
			m.persistSession(s)
		}
	}

	return env, nil
}

// EnvelopeFromCache pops the prepared envelope for a message, if any.
// The entry is evicted on hit: the caller is now responsible for handing
// it to the transport.
func (m *Manager) EnvelopeFromCache(msg Message) (*envelope.Outbound, bool) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	env, ok := m.messageCache[msg.ID]
	if ok {
		delete(m.messageCache, msg.ID)
	}
	return env, ok
}

func (m *Manager) cacheEnvelope(id string, env *envelope.Outbound) {
	m.cacheMu.Lock()
	m.messageCache[id] = env
	m.cacheMu.Unlock()
}

func (m *Manager) envelopeCached(id string) bool {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	_, ok := m.messageCache[id]
	return ok
}

func (m *Manager) enqueueWaiting(msg Message) {
	m.queueMu.Lock()
	m.waiting[msg.Peer] = append(m.waiting[msg.Peer], msg)
	m.queueMu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "enqueueWaiting",
		"message":  msg.ID,
		"peer":     msg.Peer,
	}).Debug("Queued message until key fetches settle")
}

// flushWaiting re-drives every message queued for a conversation through
// the encryption pipeline.
func (m *Manager) flushWaiting(peer string) {
	m.queueMu.Lock()
	queued := m.waiting[peer]
	delete(m.waiting, peer)
	m.queueMu.Unlock()
	for _, msg := range queued {
		m.processSending(msg)
	}
}

func (m *Manager) notifySendFailed(msg Message, err error) {
	m.cbMu.RLock()
	cb := m.onSendFailed
	m.cbMu.RUnlock()
	if cb != nil {
		cb(msg, err)
	}
}

func (m *Manager) notifyMessageReady(msg Message, env *envelope.Outbound) {
	m.cbMu.RLock()
	cb := m.onMessageReady
	m.cbMu.RUnlock()
	if cb != nil {
		cb(msg, env)
	}
}
