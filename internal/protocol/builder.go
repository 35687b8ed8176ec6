package protocol

import (
	"fmt"

	"github.com/energizer-project/edgeagent/internal/payload"
)

// Banner returns the raw version banner sent before LOGIN on a fresh link.
func Banner(websocketVersion uint32) []byte {
	return []byte(fmt.Sprintf("fcsws_%d", websocketVersion))
}

// BuildLogin creates the LOGIN request carrying the auth token verbatim.
func BuildLogin(loginVersion uint32, token string) *Message {
	return &Message{
		Type:    TypeLogin,
		Arg1:    loginVersion,
		Payload: []byte(token),
	}
}

// BuildPing creates the liveness ping: a NULL message with every field zero.
func BuildPing() *Message {
	return &Message{Type: TypeNull}
}

// BuildAgent creates an AGENT message around a structured payload.
func BuildAgent(from, to, arg1, arg2 uint32, data payload.Value) *Message {
	return &Message{
		Type: TypeAgent,
		From: from,
		To:   to,
		Arg1: arg1,
		Arg2: arg2,
		Data: data,
	}
}

// AgentPayloadBuilder assembles AGENT payload objects.
type AgentPayloadBuilder struct {
	obj payload.Value
}

// NewAgentPayload starts a payload for the given channel op.
func NewAgentPayload(op ChanOp) *AgentPayloadBuilder {
	obj := payload.NewObject()
	obj.Set("op", uint32(op))
	return &AgentPayloadBuilder{obj: obj}
}

// Model sets the channel's entity id.
func (b *AgentPayloadBuilder) Model(id uint32) *AgentPayloadBuilder {
	b.obj.Set("model", id)
	return b
}

// Route sets the from/to members used by query traffic.
func (b *AgentPayloadBuilder) Route(from, to uint32) *AgentPayloadBuilder {
	b.obj.Set("from", from)
	b.obj.Set("to", to)
	return b
}

// RequestID sets the _reqid member.
func (b *AgentPayloadBuilder) RequestID(id int64) *AgentPayloadBuilder {
	b.obj.Set("_reqid", id)
	return b
}

// Reply sets the reply flag of a query.
func (b *AgentPayloadBuilder) Reply(reply bool) *AgentPayloadBuilder {
	b.obj.Set("reply", reply)
	return b
}

// Result sets the _err code and, when msg is not empty, the _msg text.
func (b *AgentPayloadBuilder) Result(code Response, msg string) *AgentPayloadBuilder {
	b.obj.Set("_err", uint32(code))
	if msg != "" {
		b.obj.Set("_msg", msg)
	}
	return b
}

// Set stores an arbitrary member.
func (b *AgentPayloadBuilder) Set(key string, v any) *AgentPayloadBuilder {
	b.obj.Set(key, v)
	return b
}

// Build returns the payload object.
func (b *AgentPayloadBuilder) Build() payload.Value {
	return b.obj
}
