// Package protocol implements the FCS text wire format used between the
// agent and the chat server: the typed Message, the narrow percent-escaping
// applied to payloads, the length-prefixed and unframed text encodings, and
// the stream reassembler that turns websocket chunks back into whole frames.
//
// A frame body is five space-separated decimal fields followed by the
// payload: TYPE FROM TO ARG1 ARG2 PAYLOAD. The length-prefixed form puts a
// 6-digit decimal byte count of the body in front of it.
package protocol

import (
	"github.com/energizer-project/edgeagent/internal/payload"
)

// Message types (FCTYPE_*). Only the types this client acts on are listed.
const (
	TypeNull         uint32 = 0  // liveness ping
	TypeLogin        uint32 = 1  // login request and reply
	TypeSessionState uint32 = 20 // server session state notice
	TypeAgent        uint32 = 92 // agent channel traffic
	TypeLogout       uint32 = 99
	TypeConnecting   uint32 = 96
	TypeConnected    uint32 = 97
	TypeDisconnected uint32 = 98
)

var typeNames = map[uint32]string{
	TypeNull:         "NULL",
	TypeLogin:        "LOGIN",
	TypeSessionState: "SESSIONSTATE",
	TypeAgent:        "AGENT",
	TypeLogout:       "LOGOUT",
	TypeConnecting:   "CONNECTING",
	TypeConnected:    "CONNECTED",
	TypeDisconnected: "DISCONNECTED",
}

// TypeName returns the symbolic name of a message type.
func TypeName(t uint32) string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// Protocol versions sent during the handshake.
const (
	DefaultLoginVersion     uint32 = 20071025
	DefaultWebsocketVersion uint32 = 20180422
	PlatformMFC             uint32 = 1
)

// Response is an FCRESPONSE_* result code carried in arg1 of replies and in
// the _err member of agent payloads.
type Response uint32

const (
	ResponseSuccess      Response = 0
	ResponseError        Response = 1
	ResponseNotice       Response = 2
	ResponseSuspend      Response = 3
	ResponseShutoff      Response = 4
	ResponseWarning      Response = 5
	ResponseQueued       Response = 6
	ResponseNoResults    Response = 7
	ResponseCached       Response = 8
	ResponseJSON         Response = 9
	ResponseInvalidUser  Response = 10
	ResponseNoAccess     Response = 11
	ResponseNoSpace      Response = 12
	ResponseInvalidReq   Response = 13
	ResponseInvalidArg   Response = 14
	ResponseNotFound     Response = 15
	ResponseInsufficient Response = 16
	ResponseExpired      Response = 17
	ResponseBinary       Response = 18
	ResponseUnknown      Response = 255
)

var responseStrings = map[Response]string{
	ResponseSuccess:      "SUCCESS",
	ResponseError:        "ERROR",
	ResponseNotice:       "NOTICE",
	ResponseSuspend:      "SUSPEND",
	ResponseShutoff:      "SHUTOFF",
	ResponseWarning:      "WARNING",
	ResponseQueued:       "QUEUED",
	ResponseNoResults:    "NO_RESULTS",
	ResponseCached:       "CACHED",
	ResponseJSON:         "JSON",
	ResponseInvalidUser:  "INVALIDUSER",
	ResponseNoAccess:     "NOACCESS",
	ResponseNoSpace:      "NOSPACE",
	ResponseInvalidReq:   "INVALIDREQ",
	ResponseInvalidArg:   "INVALIDARG",
	ResponseNotFound:     "NOTFOUND",
	ResponseInsufficient: "INSUFFICIENT",
	ResponseExpired:      "EXPIRED",
	ResponseBinary:       "BINARY",
	ResponseUnknown:      "UNKNOWN",
}

// String returns the FCRESPONSE name of the code.
func (r Response) String() string {
	if s, ok := responseStrings[r]; ok {
		return s
	}
	return "UNKNOWN"
}

// ChanOp is an agent channel operation (FCCHAN_*), carried in the op
// member of AGENT payloads.
type ChanOp uint32

const (
	OpNoOpt   ChanOp = 0
	OpJoin    ChanOp = 1
	OpPart    ChanOp = 2
	OpHistory ChanOp = 8
	OpList    ChanOp = 16
	OpUpdate  ChanOp = 1 << 12
	OpQuery   ChanOp = 1 << 13
	OpNotify  ChanOp = 1 << 15
)

var chanOpStrings = map[ChanOp]string{
	OpNoOpt:   "NOOPT",
	OpJoin:    "JOIN",
	OpPart:    "PART",
	OpHistory: "HISTORY",
	OpList:    "LIST",
	OpUpdate:  "UPDATE",
	OpQuery:   "QUERY",
	OpNotify:  "NOTIFY",
}

// String returns the FCCHAN name of the op.
func (o ChanOp) String() string {
	if s, ok := chanOpStrings[o]; ok {
		return s
	}
	return "UNKNOWN"
}

// Message is one unit of protocol exchange.
//
// Payload holds the payload bytes after unescaping; nil means no payload.
// When the payload is a JSON object or array, Data holds the parsed tree.
type Message struct {
	Type uint32
	From uint32
	To   uint32
	Arg1 uint32
	Arg2 uint32

	Payload []byte
	Data    payload.Value
}

// HasPayload reports whether the message carries payload bytes. An empty
// payload and an absent one share the same wire form.
func (m *Message) HasPayload() bool {
	return len(m.Payload) > 0 || !m.Data.IsNull()
}

// body returns the bytes to put on the wire for the payload field.
func (m *Message) body() ([]byte, error) {
	if len(m.Payload) > 0 {
		return m.Payload, nil
	}
	if m.Data.IsNull() {
		return nil, nil
	}
	return m.Data.Marshal()
}
