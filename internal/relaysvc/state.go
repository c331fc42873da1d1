package relaysvc

type State uint32

const (
	StateIdle State = iota
	StateAwaitingConnection
	StateConnectedInit
	StateRelaying
	StateTearingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingConnection:
		return "AWAITING_CONNECTION"
	case StateConnectedInit:
		return "CONNECTED_INIT"
	case StateRelaying:
		return "RELAYING"
	case StateTearingDown:
		return "TEARING_DOWN"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
