package session

// State is a position in the session key lifecycle.
type State int

const (
	LoggedOut State = iota
	Authenticating
	Unlocked
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged-out"
	case Authenticating:
		return "authenticating"
	case Unlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}
