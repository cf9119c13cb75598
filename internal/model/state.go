package model

// State is a step of the per-event update state machine.
type State string

const (
	StateIdle       State = "IDLE"
	StateDetected   State = "DETECTED"
	StateReading    State = "READING"
	StateComputing  State = "COMPUTING"
	StateSubmitting State = "SUBMITTING"
	StateConfirming State = "CONFIRMING"
	StateVerified   State = "VERIFIED"
	StateFailed     State = "FAILED"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateVerified || s == StateFailed
}
