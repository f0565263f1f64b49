package device

// ConnectionStatus is the lifecycle state of a streaming connection.
type ConnectionStatus int

const (
	// StatusDisconnected is the idle state, also entered on transport loss.
	StatusDisconnected ConnectionStatus = iota
	// StatusConnecting is set while a dial is in flight.
	StatusConnecting
	// StatusConnected is set once the transport is open.
	StatusConnected
	// StatusGivenUp is terminal: the reconnect ceiling was reached and no
	// further retries are scheduled.
	StatusGivenUp
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusGivenUp:
		return "given_up"
	default:
		return "unknown"
	}
}
