package core

// ConnState represents the connection lifecycle state of a connector.
//
// The legal transitions are:
//
//	Disconnected → Connecting → Connected → {Consuming | Producing} → Disconnected
//
// with Reconnecting entered from Consuming/Producing on a transient
// failure, and Failed entered terminally when the reconnect attempt budget
// is exhausted.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateConsuming
	StateProducing
	StateReconnecting
	StateFailed
)

// String returns the lowercase state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateConsuming:
		return "consuming"
	case StateProducing:
		return "producing"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
