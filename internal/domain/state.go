package domain

// ConnState is the lifecycle state of the WhatsApp session. Transitions are
// driven only by the connection controller.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateAwaitingQR
	StateAuthenticated
)

func (s ConnState) String() string {
	switch s {
	case StateAwaitingQR:
		return "awaiting_qr"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}
