// Package connector drives the agent's session with an FCS chat server:
// connecting, logging in, joining the agent channel, keeping the link alive
// and reconnecting when it drops.
package connector

// Phase is the lifecycle position of a Connection.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseLoggedIn
)

var phaseStrings = map[Phase]string{
	PhaseDisconnected: "disconnected",
	PhaseConnecting:   "connecting",
	PhaseConnected:    "connected",
	PhaseLoggedIn:     "logged_in",
}

// String returns the string representation of Phase.
func (p Phase) String() string {
	if s, ok := phaseStrings[p]; ok {
		return s
	}
	return "disconnected"
}

// MarshalJSON serializes Phase as a JSON string (e.g. "logged_in").
func (p Phase) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// linked reports whether the transport link is up.
func (p Phase) linked() bool {
	return p == PhaseConnected || p == PhaseLoggedIn
}
