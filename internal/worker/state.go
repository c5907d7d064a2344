package worker

// State is the lifecycle tag of a Worker.
type State int

const (
	Created State = iota
	Running
	Stopping
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further exchange can happen.
func (s State) Terminal() bool {
	return s == Stopped || s == Failed
}
