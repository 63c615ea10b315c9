package consumer

type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close codes sent to the client.
const (
	CloseNormal       = 1000
	CloseUnauthorized = 4001
	CloseRejected     = 4003
	CloseSlowConsumer = 4008
)

// Disconnect reasons.
const (
	ReasonNormal          = "normal"
	ReasonRejected        = "rejected"
	ReasonUnauthorized    = "unauthorized"
	ReasonSlowConsumer    = "slow_consumer"
	ReasonTransportClosed = "transport_closed"
	ReasonShutdown        = "shutdown"
)

func closeCode(reason string) int {
	switch reason {
	case ReasonRejected:
		return CloseRejected
	case ReasonUnauthorized:
		return CloseUnauthorized
	case ReasonSlowConsumer:
		return CloseSlowConsumer
	default:
		return CloseNormal
	}
}
