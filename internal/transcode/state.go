package transcode

// State is the lifecycle position of a transcoder process.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// EventKind enumerates the process events that drive State.
type EventKind int

const (
	EventLaunch EventKind = iota
	EventSpawned
	EventSpawnFailed
	EventExited
)

func (k EventKind) String() string {
	switch k {
	case EventLaunch:
		return "launch"
	case EventSpawned:
		return "spawned"
	case EventSpawnFailed:
		return "spawn_failed"
	case EventExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Event is a single lifecycle input. Exit is only meaningful for EventExited.
type Event struct {
	Kind EventKind
	Exit Exit
}

// Exit describes how a process ended.
type Exit struct {
	Code      int  // exit code; -1 when killed by a signal
	Signaled  bool // terminated by a signal rather than exiting
	Requested bool // a stop was requested before the exit
	Err       error
}

// Crashed reports a non-zero exit code that was not caused by a signal.
func (e Exit) Crashed() bool {
	return !e.Signaled && e.Code != 0
}

// Transition is the single transition function for process state. It returns
// the next state and false when the event is not valid in the current state;
// the caller must then ignore the event. Crashed is terminal and Stopped only
// accepts a launch, so a duplicate or late exit is rejected.
func Transition(s State, ev Event) (State, bool) {
	switch s {
	case StateStopped:
		if ev.Kind == EventLaunch {
			return StateStarting, true
		}
	case StateStarting:
		switch ev.Kind {
		case EventSpawned:
			return StateRunning, true
		case EventSpawnFailed:
			return StateCrashed, true
		}
	case StateRunning:
		if ev.Kind == EventExited {
			if !ev.Exit.Requested && (ev.Exit.Crashed() || ev.Exit.Signaled) {
				return StateCrashed, true
			}
			return StateStopped, true
		}
	}
	return s, false
}
