package omemo

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/omemo/envelope"
	"github.com/opd-ai/omemo/ratchet"
	"github.com/opd-ai/omemo/session"
)

// ProcessReceiving decrypts an inbound multi-device envelope. Only the
// key element addressed to the local device id is used; an envelope
// without one returns ErrNotAddressedToDevice, which is not a failure.
//
// A sender without a registered session gets one materialized on the
// fly, from persisted ratchet state when available or as a fresh
// responder session on first contact. A newly materialized session is
// registered only after decryption succeeds, so no state is persisted
// for an unauthenticated peer claim. Decryption is serialized for the
// account because each call advances the sender session's receive chain.
func (m *Manager) ProcessReceiving(env *envelope.Inbound) (*envelope.Plaintext, error) {
	if env.SenderPeer == "" {
		logrus.WithField("function", "ProcessReceiving").
			Warn("Dropping envelope with malformed sender identity")
		return nil, ErrInvalidAddress
	}

	m.inboundMu.Lock()
	defer m.inboundMu.Unlock()

	addr := session.NewAddress(env.SenderPeer, env.SenderDeviceID)
	s, registered := m.sessions.Get(addr)
	newSession := false
	if !registered {
		logrus.WithFields(logrus.Fields{
			"function": "ProcessReceiving",
			"address":  addr.String(),
		}).Debug("No session for sender, materializing")
		if s = m.materializeSession(addr); s == nil {
			// First contact: the prekey element establishes the session.
			s = session.New(addr, ratchet.NewResponder(storeKeySource{m.store}))
		}
		newSession = true
	}

	element, ok := env.ElementFor(m.ownDeviceID())
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "ProcessReceiving",
			"address":  addr.String(),
			"device":   m.ownDeviceID(),
		}).Debug("Envelope carries no key element for this device")
		return nil, ErrNotAddressedToDevice
	}

	innerKey, err := s.ProcessReceiving(element.Ciphertext, element.PreKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	body, err := env.OpenPayload(innerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	if preKeyID, consumed := s.ConsumedPreKeyID(); consumed {
		logrus.WithFields(logrus.Fields{
			"function": "ProcessReceiving",
			"address":  addr.String(),
			"prekey":   preKeyID,
		}).Info("One-time prekey consumed, republishing bundle")
		s.ClearConsumedPreKeyID()
		go m.EnsureBundlePublished()
	}

	if newSession {
		m.sessions.Put(addr, s)
	}
	m.persistSession(s)

	return &envelope.Plaintext{
		Body:              body,
		SenderFingerprint: s.Fingerprint(),
	}, nil
}
