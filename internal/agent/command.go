// Package agent interprets AGENT channel traffic: presence of other agents,
// their status updates, query requests aimed at this host and replies to
// the queries this host issued.
package agent

import (
	"fmt"
	"strings"

	"github.com/energizer-project/edgeagent/internal/protocol"
)

// Command is a query request verb understood by this host.
type Command int

const (
	CommandUnknown Command = iota
	CommandSetProfile
	CommandStart
	CommandStop
)

var commandStrings = map[Command]string{
	CommandUnknown:    "unknown",
	CommandSetProfile: "setprofile",
	CommandStart:      "start",
	CommandStop:       "stop",
}

// String returns the wire name of the command.
func (c Command) String() string {
	if s, ok := commandStrings[c]; ok {
		return s
	}
	return "unknown"
}

// ParseCommand maps a wire name to a Command. Unrecognised names map to
// CommandUnknown.
func ParseCommand(name string) Command {
	name = strings.ToLower(strings.TrimSpace(name))
	for c, s := range commandStrings {
		if c != CommandUnknown && s == name {
			return c
		}
	}
	return CommandUnknown
}

// ErrorKind classifies why a query request was refused.
type ErrorKind int

const (
	KindInvalidArgument ErrorKind = iota
	KindNotFound
	KindInvalidState
	KindFailed
)

var kindStrings = map[ErrorKind]string{
	KindInvalidArgument: "invalid_argument",
	KindNotFound:        "not_found",
	KindInvalidState:    "invalid_state",
	KindFailed:          "failed",
}

func (k ErrorKind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return "failed"
}

// QueryError is a refusal that is sent back to the requesting agent.
type QueryError struct {
	Kind ErrorKind
	Msg  string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Response returns the result code carried in the reply's _err member.
func (e *QueryError) Response() protocol.Response {
	switch e.Kind {
	case KindInvalidArgument:
		return protocol.ResponseInvalidArg
	case KindNotFound:
		return protocol.ResponseNotFound
	default:
		return protocol.ResponseError
	}
}

func invalidArg(msg string) *QueryError   { return &QueryError{Kind: KindInvalidArgument, Msg: msg} }
func notFound(msg string) *QueryError     { return &QueryError{Kind: KindNotFound, Msg: msg} }
func invalidState(msg string) *QueryError { return &QueryError{Kind: KindInvalidState, Msg: msg} }
func failed(msg string) *QueryError       { return &QueryError{Kind: KindFailed, Msg: msg} }
