package customauth

// State represents the session state.
type State uint8

const (
	// StateIdle is a fresh session before Start.
	StateIdle State = iota

	// StateAwaitingChallengeDelivery waits for the provider to open a round.
	StateAwaitingChallengeDelivery

	// StateAwaitingAnswer has a challenge outstanding.
	StateAwaitingAnswer

	// StateSubmitting is relaying a response to the provider.
	StateSubmitting

	// StateCompleted is the terminal success state.
	StateCompleted

	// StateFailed is the terminal failure state.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingChallengeDelivery:
		return "AWAITING_CHALLENGE_DELIVERY"
	case StateAwaitingAnswer:
		return "AWAITING_ANSWER"
	case StateSubmitting:
		return "SUBMITTING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}
