package plugin

import "sync/atomic"

// HostState represents the lifecycle state of a plugin's child process.
type HostState int32

const (
	StateNew      HostState = iota // created, child not spawned
	StateStarting                  // child spawned, no acknowledgment yet
	StateRunning                   // first status or command roundtrip seen
	StateStopping                  // shutdown requested, STOP queued
	StateStopped                   // child exited 0 within grace
	StateKilled                    // grace expired, terminate/kill issued
	StateCrashed                   // child exited nonzero outside STOPPING
)

// String returns a human-readable state name.
func (s HostState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateKilled:
		return "killed"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true once the child can no longer serve commands.
func (s HostState) IsTerminal() bool {
	return s == StateStopped || s == StateKilled || s == StateCrashed
}

// Alive reports whether the child is expected to answer commands.
func (s HostState) Alive() bool {
	return s == StateStarting || s == StateRunning
}

// StateVar is an atomic HostState cell.
type StateVar struct {
	v atomic.Int32
}

func (s *StateVar) Load() HostState { return HostState(s.v.Load()) }

func (s *StateVar) Store(next HostState) { s.v.Store(int32(next)) }

// Transition performs a compare-and-swap from one state to another.
func (s *StateVar) Transition(from, to HostState) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}
