// Package broadcast tracks the local stream host: its active state, the
// available profiles and the host details reported to the agent channel.
package broadcast

import (
	"fmt"
	"strings"
)

// State is the externally observed activity of the stream host. The numeric
// values are what peers see in the activeState member of host reports.
type State int

const (
	StateUninitialized      State = 0
	StateUnknownProfile     State = 1
	StateNoCredentials      State = 2
	StateInvalidCredentials State = 3
	StateNoModelwebSession  State = 4
	StateStarting           State = 11
	StateStarted            State = 12
	StateStopping           State = 13
	StateStopped            State = 20
)

var stateStrings = map[State]string{
	StateUninitialized:      "uninitialized",
	StateUnknownProfile:     "unknown_profile",
	StateNoCredentials:      "no_credentials",
	StateInvalidCredentials: "invalid_credentials",
	StateNoModelwebSession:  "no_modelweb_session",
	StateStarting:           "starting",
	StateStarted:            "started",
	StateStopping:           "stopping",
	StateStopped:            "stopped",
}

// String returns the string representation of State.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "uninitialized"
}

// MarshalJSON serializes State as a JSON string (e.g. "started").
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Running reports whether a stream is live or on its way up.
func (s State) Running() bool {
	return s == StateStarting || s == StateStarted
}

// Busy reports whether the stream is in any non-stopped streaming phase.
func (s State) Busy() bool {
	return s == StateStarting || s == StateStarted || s == StateStopping
}

// ParseState accepts either the state name or its numeric value.
func ParseState(text string) (State, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	for s, name := range stateStrings {
		if name == text || fmt.Sprint(int(s)) == text {
			return s, nil
		}
	}
	return StateUninitialized, fmt.Errorf("unknown broadcast state %q", text)
}

// Change records one state transition.
type Change struct {
	Old State `json:"old"`
	New State `json:"new"`
}
