package session

// State is the authentication state of one connection.
type State int

const (
	Unauthenticated State = iota
	AwaitingCredentials
	Authenticated
	Rejected
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case AwaitingCredentials:
		return "awaiting-credentials"
	case Authenticated:
		return "authenticated"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Mode is what the server phase allowed when the connection opened.
type Mode int

const (
	// ModeNormal connections authenticate and then query.
	ModeNormal Mode = iota
	// ModeSetup connections may only create the first admin.
	ModeSetup
	// ModePending connections arrived before bootstrap finished; nothing is allowed.
	ModePending
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeSetup:
		return "setup"
	case ModePending:
		return "pending"
	default:
		return "unknown"
	}
}

// Reasons carried by authenticationError.
const (
	ReasonRequired           = "required"
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonNotFound           = "not_found"
	ReasonMalformed          = "malformed"
	ReasonUnavailable        = "unavailable"
)
