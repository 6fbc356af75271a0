package worker

// State is the lifecycle state of one worker process.
//
//	Starting -> Ready <-> Busy -> Retiring
//	    |         |        |         |
//	    +---------+--------+---------+--> Exited
//
// Exited is terminal for a Worker value; the pool respawns the slot with a
// fresh Worker.
type State int

const (
	// StateStarting - process spawned, waiting for the READY sentinel.
	StateStarting State = iota
	// StateReady - handshake done, idle, may be claimed.
	StateReady
	// StateBusy - claimed by a caller or running a call.
	StateBusy
	// StateExited - process is gone (crash, kill or failed start).
	StateExited
	// StateRetiring - failure threshold reached; alive but never claimed
	// again, waiting to be killed and replaced.
	StateRetiring
)

// String returns the state name used in logs and stats.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateExited:
		return "exited"
	case StateRetiring:
		return "retiring"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
