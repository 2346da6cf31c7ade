package bundle

import (
	"errors"
	"testing"
)

func validDevice() *Device {
	return &Device{
		IdentityKey:           []byte{1},
		SigningKey:            []byte{2},
		SignedPreKeyID:        1,
		SignedPreKey:          []byte{3},
		SignedPreKeySignature: []byte{4},
		PreKeys:               []PreKey{{ID: 1, PublicKey: []byte{5}}},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Device)
		wantErr bool
	}{
		{"complete", func(d *Device) {}, false},
		{"missing identity key", func(d *Device) { d.IdentityKey = nil }, true},
		{"missing signing key", func(d *Device) { d.SigningKey = nil }, true},
		{"missing signed prekey", func(d *Device) { d.SignedPreKey = nil }, true},
		{"missing signature", func(d *Device) { d.SignedPreKeySignature = nil }, true},
		{"no prekey offers", func(d *Device) { d.PreKeys = nil }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDevice()
			tt.mutate(d)
			err := d.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateNil(t *testing.T) {
	var d *Device
	if err := d.Validate(); err == nil {
		t.Error("nil bundle must not validate")
	}
}

func TestValidateNoPreKeysSentinel(t *testing.T) {
	d := validDevice()
	d.PreKeys = nil
	if err := d.Validate(); !errors.Is(err, ErrNoPreKeys) {
		t.Errorf("expected ErrNoPreKeys, got %v", err)
	}
}

func TestRandomPreKeyEmpty(t *testing.T) {
	d := validDevice()
	d.PreKeys = nil
	if _, err := d.RandomPreKey(); !errors.Is(err, ErrNoPreKeys) {
		t.Errorf("expected ErrNoPreKeys, got %v", err)
	}
}

func TestRandomPreKeySingle(t *testing.T) {
	d := validDevice()
	pk, err := d.RandomPreKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pk.ID != 1 {
		t.Errorf("expected the only offer, got id %d", pk.ID)
	}
}

func TestRandomPreKeyCoversAllOffers(t *testing.T) {
	d := validDevice()
	d.PreKeys = nil
	for i := uint32(1); i <= 4; i++ {
		d.PreKeys = append(d.PreKeys, PreKey{ID: i, PublicKey: []byte{byte(i)}})
	}

	seen := make(map[uint32]bool)
	for i := 0; i < 500; i++ {
		pk, err := d.RandomPreKey()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen[pk.ID] = true
	}
	if len(seen) != len(d.PreKeys) {
		t.Errorf("500 draws over %d offers hit only %d distinct ids", len(d.PreKeys), len(seen))
	}
}
