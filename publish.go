package omemo

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/omemo/bundle"
	"github.com/opd-ai/omemo/ratchet"
)

// EnsureBundlePublished compares the locally published bundle against
// the local key material and republishes when anything is missing or
// stale: the identity key echo must match, the signed prekey must still
// be the one on file, and the advertised one-time prekey pool is topped
// up to bundle.TargetPreKeyPool. A malformed or absent remote echo is
// treated as nothing published yet and forces a full republish.
func (m *Manager) EnsureBundlePublished() error {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	identity, err := m.store.Identity()
	if err != nil {
		return fmt.Errorf("loading own identity: %w", err)
	}

	echo, err := m.transport.RetrieveBundle(m.account, m.ownDeviceID())
	flush := false
	if err != nil || echo.Validate() != nil {
		logrus.WithFields(logrus.Fields{
			"function": "EnsureBundlePublished",
			"device":   m.ownDeviceID(),
			"error":    err,
		}).Warn("No valid published bundle on record, forcing republish")
		flush = true
		echo = &bundle.Device{}
	}

	changed := flush
	if !bytes.Equal(echo.IdentityKey, identity.DH.Public) {
		changed = true
	}

	signed, rotated, err := m.currentSignedPreKey(identity, echo, flush)
	if err != nil {
		return err
	}
	changed = changed || rotated

	oneTime, generated, err := m.topUpOneTimePreKeys(echo, flush)
	if err != nil {
		return err
	}
	changed = changed || generated > 0

	if !changed {
		logrus.WithFields(logrus.Fields{
			"function": "EnsureBundlePublished",
			"device":   m.ownDeviceID(),
		}).Debug("Published bundle is current")
		return nil
	}

	dev := ratchet.Bundle(identity, signed, oneTime)
	if err := m.transport.PublishBundle(dev, m.ownDeviceID()); err != nil {
		return fmt.Errorf("publishing bundle: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function":    "EnsureBundlePublished",
		"device":      m.ownDeviceID(),
		"rotated_spk": rotated,
		"new_prekeys": generated,
	}).Info("Republished bundle")
	return nil
}

// currentSignedPreKey keeps the signed prekey advertised remotely when
// it still matches the store, and rotates to a fresh one otherwise.
func (m *Manager) currentSignedPreKey(identity *ratchet.Identity, echo *bundle.Device, flush bool) (*ratchet.SignedPreKey, bool, error) {
	if !flush {
		signed, ok := m.store.SignedPreKey(echo.SignedPreKeyID)
		if ok &&
			bytes.Equal(signed.Key.Public, echo.SignedPreKey) &&
			bytes.Equal(signed.Signature, echo.SignedPreKeySignature) {
			return signed, false, nil
		}
	}
	nextID := uint32(len(m.store.SignedPreKeys()) + 1)
	signed, err := ratchet.NewSignedPreKey(identity, nextID)
	if err != nil {
		return nil, false, fmt.Errorf("generating signed prekey: %w", err)
	}
	if err := m.store.StoreSignedPreKey(signed); err != nil {
		return nil, false, fmt.Errorf("storing signed prekey: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "currentSignedPreKey",
		"id":       signed.ID,
	}).Info("Rotated signed prekey")
	return signed, true, nil
}

// topUpOneTimePreKeys keeps every advertised offer that still matches
// the store and generates enough fresh ones to reach the target pool.
func (m *Manager) topUpOneTimePreKeys(echo *bundle.Device, flush bool) ([]ratchet.OneTimePreKey, int, error) {
	var kept []ratchet.OneTimePreKey
	if !flush {
		for _, offer := range echo.PreKeys {
			stored, ok := m.store.OneTimePreKey(offer.ID)
			if ok && bytes.Equal(stored.Key.Public, offer.PublicKey) {
				kept = append(kept, stored)
			}
		}
	}

	missing := bundle.TargetPreKeyPool - len(kept)
	if missing <= 0 {
		return kept, 0, nil
	}
	fresh, err := ratchet.NewOneTimePreKeys(m.store.CurrentPreKeyID(), missing)
	if err != nil {
		return nil, 0, fmt.Errorf("generating one-time prekeys: %w", err)
	}
	if err := m.store.StoreOneTimePreKeys(fresh); err != nil {
		return nil, 0, fmt.Errorf("storing one-time prekeys: %w", err)
	}
	return append(kept, fresh...), len(fresh), nil
}

// PublishDeviceIDsIfNeeded makes sure the local device id appears in the
// account's advertised device list, republishing the list when it is
// missing. An unreadable remote list is treated as empty.
func (m *Manager) PublishDeviceIDsIfNeeded() error {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	ids, err := m.transport.RetrieveDeviceIDs(m.account)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PublishDeviceIDsIfNeeded",
			"error":    err,
		}).Warn("Could not read advertised device list, assuming empty")
		ids = nil
	}
	if ids[m.ownDeviceID()] {
		return nil
	}
	if ids == nil {
		ids = make(map[int]bool)
	}
	ids[m.ownDeviceID()] = true
	logrus.WithFields(logrus.Fields{
		"function": "PublishDeviceIDsIfNeeded",
		"device":   m.ownDeviceID(),
		"devices":  len(ids),
	}).Info("Own device missing from advertised list, publishing")
	if err := m.transport.PublishDeviceIDs(ids); err != nil {
		return fmt.Errorf("publishing device ids: %w", err)
	}
	return nil
}

// WipeOtherDevices replaces the advertised device list with one that
// contains only the local device.
func (m *Manager) WipeOtherDevices() error {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "WipeOtherDevices",
		"device":   m.ownDeviceID(),
	}).Info("Wiping all other devices from advertised list")
	if err := m.transport.PublishDeviceIDs(map[int]bool{m.ownDeviceID(): true}); err != nil {
		return fmt.Errorf("publishing device ids: %w", err)
	}
	return nil
}
