package session

// Status represents the coarse lifecycle state of a user's session.
type Status string

const (
	StatusDisconnected   Status = "disconnected"
	StatusConnecting     Status = "connecting"
	StatusPairingPending Status = "pairing_pending" // Waiting for the user to scan the pairing code
	StatusConnected      Status = "connected"
)

// Active reports whether a protocol client is expected to be alive in this state.
func (s Status) Active() bool {
	switch s {
	case StatusConnecting, StatusPairingPending, StatusConnected:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusDisconnected || s.Active()
}
