package session

// Trust is the user/system-assigned confidence state attached to a
// session's cached identity-key fingerprint.
type Trust uint8

const (
	TrustUndecided Trust = iota
	TrustTrusted
	TrustUntrusted
	TrustCompromised
	TrustInactive
)

func (t Trust) String() string {
	switch t {
	case TrustUndecided:
		return "undecided"
	case TrustTrusted:
		return "trusted"
	case TrustUntrusted:
		return "untrusted"
	case TrustCompromised:
		return "compromised"
	case TrustInactive:
		return "inactive"
	default:
		return "unknown"
	}
}
