package domain

import "time"

// ConnectivityState is the aggregate state of a connectivity agent.
type ConnectivityState int

const (
	ConnectivityWaiting ConnectivityState = iota
	ConnectivityRunning
	ConnectivityCompleted
	ConnectivityFailed
	ConnectivityTerminated
)

func (s ConnectivityState) String() string {
	switch s {
	case ConnectivityWaiting:
		return "waiting"
	case ConnectivityRunning:
		return "running"
	case ConnectivityCompleted:
		return "completed"
	case ConnectivityFailed:
		return "failed"
	case ConnectivityTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether establishment has finished either way.
func (s ConnectivityState) IsTerminal() bool {
	return s == ConnectivityCompleted || s == ConnectivityFailed || s == ConnectivityTerminated
}

// SessionState is the lifecycle of a simulated participant.
type SessionState int

const (
	SessionCreated SessionState = iota
	SessionJoined
	SessionNegotiating
	SessionEstablished
	SessionFailed
	SessionStopped
)

func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "created"
	case SessionJoined:
		return "joined"
	case SessionNegotiating:
		return "negotiating"
	case SessionEstablished:
		return "established"
	case SessionFailed:
		return "failed"
	case SessionStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// AllSessionStates lists states in lifecycle order.
var AllSessionStates = []SessionState{
	SessionCreated, SessionJoined, SessionNegotiating, SessionEstablished, SessionFailed, SessionStopped,
}

// AuthMode selects how a session logs in.
type AuthMode string

const (
	AuthAnonymous AuthMode = "anonymous"
	AuthPlain     AuthMode = "plain"
	AuthJWT       AuthMode = "jwt"
)

// Credentials carries login material. Token is only used with AuthJWT.
type Credentials struct {
	Mode     AuthMode
	Username string
	Password string
	Token    string
}

// SessionSnapshot is what the status endpoint reports per participant.
type SessionSnapshot struct {
	Nickname  string        `json:"nickname"`
	State     string        `json:"state"`
	StartedAt time.Time     `json:"started_at"`
	Error     string        `json:"error,omitempty"`
	Streams   []StreamStats `json:"streams"`
	// PayloadTypes maps codec names to the payload types the focus offered.
	PayloadTypes     map[string]uint8 `json:"payload_types,omitempty"`
	HeaderExtensions int              `json:"header_extensions"`
}
