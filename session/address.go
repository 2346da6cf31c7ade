package session

import "fmt"

// AnyDevice is the reserved device id used when addressing every device of
// a peer rather than one specific device.
const AnyDevice = 0

// Address identifies one cryptographic endpoint among a peer's devices.
// It is an immutable value type; equality is structural, so it can be used
// directly as a map key.
type Address struct {
	Peer     string
	DeviceID int
}

// NewAddress creates an Address for a specific device of a peer.
func NewAddress(peer string, deviceID int) Address {
	return Address{Peer: peer, DeviceID: deviceID}
}

// PeerAddress creates the device-agnostic Address for a peer, used when
// querying all sessions for that peer regardless of device.
func PeerAddress(peer string) Address {
	return Address{Peer: peer, DeviceID: AnyDevice}
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Peer, a.DeviceID)
}
