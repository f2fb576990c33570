package evaluation

// State is the lifecycle state of an Evaluator.
type State int

const (
	// StateInit holds after New until Run is called.
	StateInit State = iota
	// StateRunning holds while samples are being evaluated.
	StateRunning
	// StateReporting holds while the final report is computed.
	StateReporting
	// StateDone is terminal after a successful run.
	StateDone
	// StateAborted is terminal after a failed or cancelled run.
	StateAborted
)

var stateNames = [...]string{"init", "running", "reporting", "done", "aborted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}
