// Package events defines the event types published by the agent connection
// and the bus that carries them to the journal, telemetry and API layers.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Link lifecycle events
	EventConnecting  EventType = "link_connecting"
	EventLinkUp      EventType = "link_up"
	EventLoggedIn    EventType = "logged_in"
	EventLoginFailed EventType = "login_failed"
	EventLinkLost    EventType = "link_lost"
	EventFrameError  EventType = "frame_error"

	// Agent channel events
	EventPeerJoined   EventType = "peer_joined"
	EventPeerLeft     EventType = "peer_left"
	EventPeerUpdate   EventType = "peer_update"
	EventQueryHandled EventType = "query_handled"
	EventQueryResult  EventType = "query_result"
	EventQueryExpired EventType = "query_expired"
	EventUpdateSent   EventType = "update_sent"

	// Broadcast events
	EventStateChanged  EventType = "broadcast_state_changed"
	EventVirtualCamera EventType = "virtual_camera"

	// Health events
	EventHealthAlert EventType = "health_alert"
	EventHeartbeat   EventType = "heartbeat"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// AllAgentEvents lists every event a forwarding subscriber (telemetry,
// journal) is interested in.
var AllAgentEvents = []EventType{
	EventConnecting,
	EventLinkUp,
	EventLoggedIn,
	EventLoginFailed,
	EventLinkLost,
	EventFrameError,
	EventPeerJoined,
	EventPeerLeft,
	EventPeerUpdate,
	EventQueryHandled,
	EventQueryResult,
	EventQueryExpired,
	EventUpdateSent,
	EventStateChanged,
	EventVirtualCamera,
	EventHealthAlert,
	EventHeartbeat,
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// LinkPayload describes a link transition.
type LinkPayload struct {
	Server    string `json:"server"`
	SessionID uint32 `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Code      uint32 `json:"code,omitempty"`
}

// FrameErrorPayload is emitted when inbound data cannot be decoded.
type FrameErrorPayload struct {
	Error string `json:"error"`
	Bytes int    `json:"bytes"`
}

// PeerPayload describes a join, part or update on the agent channel.
type PeerPayload struct {
	Model uint32 `json:"model"`
	Peer  uint32 `json:"peer"`
	Data  string `json:"data,omitempty"`
}

// QueryHandledPayload is emitted after an inbound request was answered.
type QueryHandledPayload struct {
	From    uint32 `json:"from"`
	ReqID   int64  `json:"reqid"`
	Command string `json:"cmd"`
	Result  uint32 `json:"result"`
	Message string `json:"message,omitempty"`
}

// QueryResultPayload carries a reply to one of our own queries, or a server
// acknowledgement of an earlier send.
type QueryResultPayload struct {
	From     uint32 `json:"from"`
	ReqID    int64  `json:"reqid"`
	Command  string `json:"cmd,omitempty"`
	Result   uint32 `json:"result"`
	Message  string `json:"message,omitempty"`
	Accepted bool   `json:"accepted"`
}

// UpdatePayload is emitted for every host update sent.
type UpdatePayload struct {
	SessionID uint32 `json:"session_id"`
	Count     uint64 `json:"count"`
	State     string `json:"state"`
}

// StateChangedPayload is emitted when the broadcast state moves.
type StateChangedPayload struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// VirtualCameraPayload is emitted when the virtual camera flag changes.
type VirtualCameraPayload struct {
	Active bool `json:"active"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string      `json:"section"`
	Key     string      `json:"key"`
	Value   interface{} `json:"value"`
}

// HealthAlertPayload is emitted when a health check finds a problem.
type HealthAlertPayload struct {
	Check   string `json:"check"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// HeartbeatPayload is a periodic summary of the session.
type HeartbeatPayload struct {
	Phase       string `json:"phase"`
	SessionID   uint32 `json:"session_id"`
	ActiveState string `json:"active_state"`
	Peers       int    `json:"peers"`
	Pending     int    `json:"pending"`
	UpdatesSent uint64 `json:"updates_sent"`
}
