package realtime

// State 连接状态机。
//
// Idle -> Connecting -> Open -> Closed -> Connecting ...
// Closed is transient (a retry is scheduled); Failed is terminal until a
// manual Start. Any state returns to Idle on Stop.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}
