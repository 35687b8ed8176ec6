package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultDialTimeout  = 15 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultEventBuffer  = 256

	// DefaultPath is the websocket endpoint on FCS servers.
	DefaultPath = "/fcsl"
)

// Options configures a WebSocket transport.
type Options struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// ReadTimeout closes the link when nothing arrives for that long. Zero
	// disables it; the session ping keeps healthy links busy.
	ReadTimeout time.Duration

	// Path is appended to server urls that carry none. Defaults to /fcsl.
	Path string

	UserAgent   string
	EventBuffer int
}

// WebSocket is a Transport over gorilla/websocket. Every outbound message is
// one text frame terminated by a newline; inbound frames are passed through
// as raw chunks for the caller to reassemble.
type WebSocket struct {
	mu      sync.Mutex
	opts    Options
	dialer  *websocket.Dialer
	conn    *websocket.Conn
	link    uint64
	dialing bool
	cancel  context.CancelFunc

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

// NewWebSocket creates an idle transport.
func NewWebSocket(opts Options) *WebSocket {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	return &WebSocket{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.DialTimeout,
		},
		events: make(chan Event, opts.EventBuffer),
		closed: make(chan struct{}),
		logger: log.With().Str("component", "transport").Logger(),
	}
}

// EndpointURL turns a configured server address into the websocket url to
// dial: http schemes map to ws schemes, a bare host gets wss, and path is
// appended when the url has none.
func EndpointURL(raw, path string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty server url")
	}
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse server url %q: %w", raw, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", raw)
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = path
	}
	return u.String(), nil
}

// Events delivers link notifications.
func (w *WebSocket) Events() <-chan Event {
	return w.events
}

// Connect starts dialing in the background. EventConnected or
// EventDisconnected reports the outcome.
func (w *WebSocket) Connect(identity, token, serverURL string) (uint64, bool) {
	target, err := EndpointURL(serverURL, w.opts.Path)
	if err != nil {
		w.logger.Error().Err(err).Msg("cannot connect")
		return 0, false
	}

	w.mu.Lock()
	if w.conn != nil || w.dialing {
		w.mu.Unlock()
		w.logger.Warn().Str("url", target).Msg("connect requested while link is active")
		return 0, false
	}
	select {
	case <-w.closed:
		w.mu.Unlock()
		return 0, false
	default:
	}

	w.link++
	link := w.link
	w.dialing = true
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.DialTimeout)
	w.cancel = cancel
	w.mu.Unlock()

	w.logger.Info().
		Str("url", target).
		Str("identity", identity).
		Bool("has_token", token != "").
		Msg("connecting")

	go w.dial(ctx, cancel, link, target)
	return link, true
}

func (w *WebSocket) dial(ctx context.Context, cancel context.CancelFunc, link uint64, target string) {
	defer cancel()

	header := http.Header{}
	if w.opts.UserAgent != "" {
		header.Set("User-Agent", w.opts.UserAgent)
	}

	conn, resp, err := w.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	w.mu.Lock()
	current := w.link == link
	if current {
		w.dialing = false
		w.cancel = nil
	}
	if err == nil && current {
		w.conn = conn
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn().Err(err).Str("url", target).Msg("websocket dial failed")
		w.emit(link, Event{Kind: EventDisconnected, Err: fmt.Errorf("failed to dial %s: %w", target, err)})
		return
	}
	if !current {
		conn.Close()
		return
	}

	w.logger.Info().Str("url", target).Msg("websocket connected")
	w.emit(link, Event{Kind: EventConnected})
	w.readLoop(link, conn)
}

func (w *WebSocket) readLoop(link uint64, conn *websocket.Conn) {
	var readErr error
	for {
		if w.opts.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(w.opts.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		w.emit(link, Event{Kind: EventData, Data: data})
	}

	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	conn.Close()

	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		w.logger.Info().Msg("server closed the link")
		readErr = nil
	} else {
		w.logger.Warn().Err(readErr).Msg("websocket read failed")
	}
	w.emit(link, Event{Kind: EventDisconnected, Err: readErr})
}

// Send writes data plus a trailing newline as one text frame.
func (w *WebSocket) Send(data []byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return false
	}

	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')

	w.conn.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout))
	if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		w.logger.Warn().Err(err).Int("bytes", len(frame)).Msg("websocket write failed")
		return false
	}
	return true
}

// Disconnect closes the link or abandons a dial in progress. Events from
// the abandoned link are suppressed.
func (w *WebSocket) Disconnect(flush bool) bool {
	w.mu.Lock()
	conn := w.conn
	wasActive := conn != nil || w.dialing
	w.conn = nil
	w.dialing = false
	w.link++
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}

	if conn != nil && flush {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.opts.WriteTimeout)); err != nil {
			w.logger.Debug().Err(err).Msg("close frame not sent")
		}
	}
	w.mu.Unlock()

	if conn != nil {
		conn.Close()
		w.logger.Info().Bool("flush", flush).Msg("websocket disconnected")
	}
	return wasActive
}

// Close disconnects and stops event delivery for good.
func (w *WebSocket) Close() {
	w.Disconnect(true)
	w.closeOnce.Do(func() { close(w.closed) })
}

// emit stamps ev with link and delivers it unless link has been superseded
// by a newer Connect or a Disconnect. Events queued before that are left to
// the reader to discard by their Link.
func (w *WebSocket) emit(link uint64, ev Event) {
	ev.Link = link
	w.mu.Lock()
	stale := w.link != link
	w.mu.Unlock()
	if stale {
		return
	}

	select {
	case w.events <- ev:
	case <-w.closed:
	}
}
