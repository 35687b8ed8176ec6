// Package transport carries protocol text between the agent and the chat
// server. A Transport never blocks its caller: connect, send and disconnect
// are requests, and outcomes arrive later as Events.
package transport

// EventKind identifies what happened on the link.
type EventKind int

const (
	EventConnected EventKind = iota
	EventData
	EventDisconnected
)

var eventKindStrings = map[EventKind]string{
	EventConnected:    "connected",
	EventData:         "data",
	EventDisconnected: "disconnected",
}

// String returns the string representation of EventKind.
func (k EventKind) String() string {
	if s, ok := eventKindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// Event is one inbound notification from the transport.
type Event struct {
	Kind EventKind

	// Link is the id Connect returned for the link this event belongs to.
	// Events still queued when a newer link starts carry the old id.
	Link uint64

	// Data holds the received bytes for EventData.
	Data []byte

	// Err explains an EventDisconnected, nil for a clean close.
	Err error
}

// Transport is the link the connection drives.
type Transport interface {
	// Connect starts connecting to url and returns the id stamped on every
	// event of the new link. ok is false when the request could not even be
	// issued (bad url, link already up).
	Connect(identity, token, url string) (link uint64, ok bool)

	// Send queues one outbound message. The transport adds the line
	// terminator.
	Send(data []byte) bool

	// Disconnect tears the link down. With flush set the peer is told the
	// close is deliberate. No EventDisconnected follows a requested
	// disconnect.
	Disconnect(flush bool) bool

	// Events delivers link notifications in order.
	Events() <-chan Event
}
