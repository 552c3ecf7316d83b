package hub

// State is a session's position in its lifecycle.
type State int

const (
	StateCreated State = iota
	StatePreparing
	StateNegotiating
	StateRunning
	StateLost
	StateExiting
	StateStopped
)

var stateNames = [...]string{
	StateCreated:     "created",
	StatePreparing:   "preparing",
	StateNegotiating: "negotiating",
	StateRunning:     "running",
	StateLost:        "lost",
	StateExiting:     "exiting",
	StateStopped:     "stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func allStateNames() []string {
	return stateNames[:]
}
