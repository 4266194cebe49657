package core

// SessionState represents the lifecycle state of a relay session.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionValidating
	SessionEstablishing
	SessionRunning
	SessionStopping
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionValidating:
		return "validating"
	case SessionEstablishing:
		return "establishing"
	case SessionRunning:
		return "running"
	case SessionStopping:
		return "stopping"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanStart reports whether Start is allowed from this state.
func (s SessionState) CanStart() bool {
	return s == SessionIdle || s == SessionFailed
}
