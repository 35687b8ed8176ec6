package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/edgeagent/internal/agent"
	"github.com/energizer-project/edgeagent/internal/broadcast"
	"github.com/energizer-project/edgeagent/internal/events"
	"github.com/energizer-project/edgeagent/internal/metrics"
	"github.com/energizer-project/edgeagent/internal/payload"
	"github.com/energizer-project/edgeagent/internal/protocol"
	"github.com/energizer-project/edgeagent/internal/transport"
)

const (
	// DefaultServerURL is dialed when Start is given no url.
	DefaultServerURL = "https://video502.myfreecams.com:8080/"

	// DefaultTickInterval is the cadence Run drives OnTimerTick at.
	DefaultTickInterval = 250 * time.Millisecond

	defaultReconnectTicks = 12
	defaultPingEveryTicks = 3
	defaultPingInterval   = 5 * time.Second
	defaultQueryTTL       = 30 * time.Second

	guestLogin = "guest:guest"
)

// Errors returned by SendQuery.
var (
	ErrNotLoggedIn   = errors.New("not logged in")
	ErrInvalidTarget = errors.New("query target must be a peer session id")
	ErrEmptyCommand  = errors.New("query command is empty")
	ErrSendFailed    = errors.New("transport refused the message")
)

// Host is the stream host the connection reports on and that inbound
// requests act on.
type Host interface {
	agent.Broadcaster
	FillHostInfo(v payload.Value)
}

// Options configures a Connection. Zero values select the defaults.
type Options struct {
	LoginVersion     uint32
	WebsocketVersion uint32
	MaxPayload       int

	// ReconnectTicks is how many ticks without a link pass before the
	// connection is restarted.
	ReconnectTicks int

	// A ping is considered every PingEveryTicks ticks and sent when
	// PingInterval has elapsed since the last one.
	PingEveryTicks int
	PingInterval   time.Duration

	// QueryTTL expires our own queries left unanswered. Negative disables
	// expiry.
	QueryTTL time.Duration

	Bus     *events.EventBus
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Status is a snapshot of the connection.
type Status struct {
	Phase         Phase           `json:"phase"`
	Active        bool            `json:"active"`
	Server        string          `json:"server"`
	EntityID      uint32          `json:"entity_id"`
	SessionID     uint32          `json:"session_id"`
	RetryTicks    int             `json:"retry_ticks"`
	ActiveState   broadcast.State `json:"active_state"`
	VirtualCamera bool            `json:"virtual_camera"`
	UpdatesSent   uint64          `json:"updates_sent"`
	Peers         int             `json:"peers"`
	Pending       int             `json:"pending"`
	ConnectedAt   time.Time       `json:"connected_at,omitempty"`
	LoggedInAt    time.Time       `json:"logged_in_at,omitempty"`
	LastPingAt    time.Time       `json:"last_ping_at,omitempty"`
}

// Connection is the session with one chat server. Every entry point takes
// the connection lock, so transport events, ticks and host notifications
// may arrive from any goroutine.
type Connection struct {
	mu sync.Mutex

	transport   transport.Transport
	host        Host
	codec       *protocol.Codec
	reassembler *protocol.Reassembler
	dispatcher  *agent.Dispatcher
	opts        Options

	// credentials of the last Start
	entityID  uint32
	token     string
	serverURL string

	// link id of the last Connect; transport events of other links are
	// ignored
	link uint64

	phase       Phase
	active      bool
	sessionID   uint32
	retryTicks  int
	lastPingAt  time.Time
	connectedAt time.Time
	loggedInAt  time.Time
	modelState  broadcast.State
	vcam        bool
	updatesSent uint64

	bus     *events.EventBus
	metrics *metrics.Metrics
	now     func() time.Time
	logger  zerolog.Logger
}

// NewConnection creates an idle connection over t reporting on host.
func NewConnection(t transport.Transport, host Host, opts Options) *Connection {
	if opts.LoginVersion == 0 {
		opts.LoginVersion = protocol.DefaultLoginVersion
	}
	if opts.WebsocketVersion == 0 {
		opts.WebsocketVersion = protocol.DefaultWebsocketVersion
	}
	if opts.ReconnectTicks <= 0 {
		opts.ReconnectTicks = defaultReconnectTicks
	}
	if opts.PingEveryTicks <= 0 {
		opts.PingEveryTicks = defaultPingEveryTicks
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.QueryTTL == 0 {
		opts.QueryTTL = defaultQueryTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	codec := protocol.NewCodec(opts.MaxPayload)
	c := &Connection{
		transport:   t,
		host:        host,
		codec:       codec,
		reassembler: protocol.NewReassembler(codec.MaxFrame()),
		opts:        opts,
		phase:       PhaseDisconnected,
		modelState:  host.ActiveState(),
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		now:         opts.Now,
		logger:      log.With().Str("component", "connector").Logger(),
	}
	c.dispatcher = agent.NewDispatcher(agent.Options{
		Host:    host,
		Bus:     opts.Bus,
		Metrics: opts.Metrics,
		Now:     opts.Now,
	})
	c.metrics.SetPhase(int(PhaseDisconnected))
	return c
}

// Start connects to serverURL and logs in as entityID. A running session
// is stopped first. It returns false when the transport refused the
// request; the connection then retries on later ticks.
func (c *Connection) Start(entityID uint32, token, serverURL string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(entityID, token, serverURL)
}

func (c *Connection) startLocked(entityID uint32, token, serverURL string) bool {
	if c.phase != PhaseDisconnected {
		c.stopLocked()
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}

	c.retryTicks = 0
	c.entityID = entityID
	c.token = token
	c.serverURL = serverURL
	c.active = true
	c.dispatcher.SetModel(entityID)
	c.reassembler.Reset()
	c.setPhaseLocked(PhaseConnecting)

	c.logger.Info().
		Uint32("entity", entityID).
		Str("server", serverURL).
		Msg("starting session")
	c.metrics.ConnectAttempt()
	c.emit(events.EventConnecting, events.LinkPayload{Server: serverURL})

	link, ok := c.transport.Connect(strconv.FormatUint(uint64(entityID), 10), token, serverURL)
	c.link = link
	if !ok {
		c.logger.Error().Str("server", serverURL).Msg("transport refused to connect")
		c.setPhaseLocked(PhaseDisconnected)
		return false
	}
	return true
}

// Stop ends the session. A part notice is sent when the link is up. The
// connection is Disconnected when Stop returns and does not reconnect until
// started again. It returns false when there was nothing to stop.
func (c *Connection) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasActive := c.active || c.phase != PhaseDisconnected
	c.active = false
	if c.phase == PhaseDisconnected {
		return wasActive
	}
	c.stopLocked()
	return true
}

func (c *Connection) stopLocked() {
	if c.phase.linked() {
		data := protocol.NewAgentPayload(protocol.OpPart).
			Model(c.entityID).
			Build()
		if !c.sendLocked(protocol.BuildAgent(c.sessionID, 0, 0, 0, data), true) {
			c.logger.Warn().Uint32("session", c.sessionID).Msg("part notice not sent")
		}
	}

	c.transport.Disconnect(true)
	c.logger.Info().Str("server", c.serverURL).Uint32("session", c.sessionID).Msg("session stopped")
	c.linkDownLocked()
}

// Reconnect restarts the session with the credentials of the last Start.
func (c *Connection) Reconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.serverURL == "" {
		c.logger.Warn().Msg("reconnect requested before any start")
		return false
	}
	return c.startLocked(c.entityID, c.token, c.serverURL)
}

// OnTimerTick drives reconnects, liveness pings and query expiry. It is
// expected on a fixed cadence; tick is a monotonically increasing counter.
func (c *Connection) OnTimerTick(tick uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.QueryTTL > 0 {
		c.dispatcher.ExpirePending(c.opts.QueryTTL)
	}

	switch c.phase {
	case PhaseDisconnected, PhaseConnecting:
		if !c.active {
			return
		}
		c.retryTicks++
		if c.retryTicks >= c.opts.ReconnectTicks {
			c.logger.Info().
				Int("ticks", c.retryTicks).
				Str("phase", c.phase.String()).
				Msg("no link, reconnecting")
			c.startLocked(c.entityID, c.token, c.serverURL)
		}

	case PhaseLoggedIn:
		if tick%uint64(c.opts.PingEveryTicks) != 0 {
			return
		}
		now := c.now()
		if now.Sub(c.lastPingAt) < c.opts.PingInterval {
			return
		}
		c.lastPingAt = now
		if c.sendOrDropLocked(protocol.BuildPing(), false) {
			c.metrics.PingSent()
			c.logger.Trace().Uint32("session", c.sessionID).Msg("ping sent")
		}
	}
}

// OnConnected is called when the transport link comes up. It sends the
// version banner and the login request.
func (c *Connection) OnConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectedLocked()
}

func (c *Connection) connectedLocked() {
	if !c.active || c.phase != PhaseConnecting {
		c.logger.Warn().Str("phase", c.phase.String()).Msg("unexpected link up, dropping it")
		c.transport.Disconnect(false)
		return
	}

	c.setPhaseLocked(PhaseConnected)
	c.retryTicks = 0
	c.sessionID = 0
	c.connectedAt = c.now()
	c.modelState = c.host.ActiveState()

	c.logger.Info().Str("server", c.serverURL).Msg("link up, logging in")
	c.emit(events.EventLinkUp, events.LinkPayload{Server: c.serverURL})

	banner := protocol.Banner(c.opts.WebsocketVersion)
	ok := c.transport.Send(banner)
	c.metrics.MessageSent("BANNER", ok)
	if !ok {
		c.logger.Warn().Str("banner", string(banner)).Msg("banner not sent")
		c.dropLinkLocked("banner not sent")
		return
	}

	login := c.token
	if login == "" {
		login = guestLogin
	}
	c.sendOrDropLocked(protocol.BuildLogin(c.opts.LoginVersion, login), false)
}

// OnLinkLost is called when the transport link drops without being asked
// to. The next ticks reconnect.
func (c *Connection) OnLinkLost(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.linkClosedLocked(err)
}

func (c *Connection) linkClosedLocked(err error) {
	if c.phase == PhaseDisconnected {
		return
	}
	reason := "closed by server"
	if err != nil {
		reason = err.Error()
	}
	c.linkLostLocked(reason)
}

func (c *Connection) linkLostLocked(reason string) {
	session := c.sessionID
	c.logger.Warn().
		Str("server", c.serverURL).
		Uint32("session", session).
		Str("phase", c.phase.String()).
		Str("reason", reason).
		Msg("link lost")

	c.linkDownLocked()
	c.metrics.LinkLost()
	c.emit(events.EventLinkLost, events.LinkPayload{
		Server:    c.serverURL,
		SessionID: session,
		Reason:    reason,
	})
}

// dropLinkLocked tears the link down after a failed send and takes the
// link loss path.
func (c *Connection) dropLinkLocked(reason string) {
	c.transport.Disconnect(false)
	c.linkLostLocked(reason)
}

func (c *Connection) linkDownLocked() {
	c.setPhaseLocked(PhaseDisconnected)
	c.sessionID = 0
	c.retryTicks = 0
	c.vcam = false
	c.modelState = c.host.ActiveState()
	c.reassembler.Reset()
	c.metrics.SetBuffered(0)
	c.dispatcher.Reset()
}

// OnBytesReceived feeds inbound bytes through reassembly and handles every
// complete frame in order before returning.
func (c *Connection) OnBytesReceived(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesReceivedLocked(data)
}

func (c *Connection) bytesReceivedLocked(data []byte) {
	c.reassembler.Write(data)
	for c.phase != PhaseDisconnected {
		frame, err := c.reassembler.Next()
		if err != nil {
			c.frameErrorLocked(err, len(data))
			continue
		}
		if frame == nil {
			break
		}

		msg, err := c.codec.DecodeBody(frame)
		if err != nil {
			c.frameErrorLocked(err, len(frame))
			continue
		}
		c.metrics.FrameDecoded(protocol.TypeName(msg.Type))
		c.handleMessageLocked(msg)
	}
	c.metrics.SetBuffered(c.reassembler.Buffered())
}

func (c *Connection) frameErrorLocked(err error, size int) {
	kind := "malformed"
	if errors.Is(err, protocol.ErrPayloadTooLarge) {
		kind = "too_large"
	}
	c.logger.Warn().Err(err).Int("bytes", size).Msg("discarding inbound frame")
	c.metrics.DecodeError(kind)
	c.emit(events.EventFrameError, events.FrameErrorPayload{Error: err.Error(), Bytes: size})
}

func (c *Connection) handleMessageLocked(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeLogin:
		c.onLoginLocked(msg)

	case protocol.TypeSessionState:
		c.logger.Debug().
			Uint32("from", msg.From).
			Uint32("to", msg.To).
			Uint32("arg1", msg.Arg1).
			Uint32("arg2", msg.Arg2).
			Msg("session state")

	case protocol.TypeAgent:
		if c.phase != PhaseLoggedIn {
			c.logger.Debug().Uint32("from", msg.From).Msg("agent message before login, ignored")
			return
		}
		if reply := c.dispatcher.Dispatch(c.sessionID, msg); reply != nil {
			c.sendOrDropLocked(reply, true)
		}

	case protocol.TypeNull:
		c.logger.Trace().Msg("server ping")

	default:
		c.logger.Debug().
			Str("type", protocol.TypeName(msg.Type)).
			Uint32("type_id", msg.Type).
			Uint32("from", msg.From).
			Msg("ignoring message")
	}
}

func (c *Connection) onLoginLocked(msg *protocol.Message) {
	if c.phase != PhaseConnected {
		c.logger.Debug().Str("phase", c.phase.String()).Msg("login reply outside of login, ignored")
		return
	}

	result := protocol.Response(msg.Arg1)
	if result != protocol.ResponseSuccess {
		c.logger.Warn().
			Str("result", result.String()).
			Uint32("code", msg.Arg1).
			Str("reason", string(msg.Payload)).
			Msg("login rejected")
		c.metrics.Login("rejected")
		c.emit(events.EventLoginFailed, events.LinkPayload{
			Server: c.serverURL,
			Reason: result.String(),
			Code:   msg.Arg1,
		})
		return
	}

	c.sessionID = msg.To
	c.setPhaseLocked(PhaseLoggedIn)
	c.modelState = c.host.ActiveState()
	c.updatesSent = 0
	c.loggedInAt = c.now()
	c.lastPingAt = c.loggedInAt

	c.logger.Info().
		Uint32("session", c.sessionID).
		Uint32("entity", c.entityID).
		Str("state", c.modelState.String()).
		Msg("logged in")
	c.metrics.Login("success")
	c.emit(events.EventLoggedIn, events.LinkPayload{Server: c.serverURL, SessionID: c.sessionID})

	data := protocol.NewAgentPayload(protocol.OpJoin).
		Model(c.entityID).
		Set("ctxenc", c.token).
		Set("agent_host", c.agentHostLocked()).
		Build()
	c.sendOrDropLocked(protocol.BuildAgent(0, 0, 0, 0, data), true)
}

// agentHostLocked builds the host report carried by join and update.
func (c *Connection) agentHostLocked() payload.Value {
	h := payload.NewObject()
	c.host.FillHostInfo(h)
	h.Set("activeState", int(c.modelState))
	h.Set("virtualCameraActive", c.vcam)
	return h
}

// OnStateChange is called whenever the host's active state moves. A
// logged in session reports the new state.
func (c *Connection) OnStateChange(prev, next broadcast.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.emit(events.EventStateChanged, events.StateChangedPayload{Old: prev.String(), New: next.String()})
	if c.modelState == next {
		return
	}
	c.modelState = next
	c.sendUpdateLocked()
}

// SendVirtualCameraState records the virtual camera flag and reports it.
// It returns true when an update went out.
func (c *Connection) SendVirtualCameraState(active bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.vcam = active
	c.emit(events.EventVirtualCamera, events.VirtualCameraPayload{Active: active})
	return c.sendUpdateLocked()
}

func (c *Connection) sendUpdateLocked() bool {
	if c.phase != PhaseLoggedIn {
		return false
	}

	data := protocol.NewAgentPayload(protocol.OpUpdate).
		Model(c.entityID).
		Set("agent_host", c.agentHostLocked()).
		Build()
	if !c.sendOrDropLocked(protocol.BuildAgent(c.sessionID, 0, 0, 0, data), true) {
		return false
	}

	c.updatesSent++
	c.metrics.UpdateSent()
	c.logger.Debug().
		Uint32("session", c.sessionID).
		Uint64("count", c.updatesSent).
		Str("state", c.modelState.String()).
		Bool("vcam", c.vcam).
		Msg("host update sent")
	c.emit(events.EventUpdateSent, events.UpdatePayload{
		SessionID: c.sessionID,
		Count:     c.updatesSent,
		State:     c.modelState.String(),
	})
	return true
}

// SendQuery issues a query request to the agent session to and records it
// as pending until the reply arrives or it expires.
func (c *Connection) SendQuery(to uint32, cmd, val string) (agent.PendingQuery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseLoggedIn {
		return agent.PendingQuery{}, ErrNotLoggedIn
	}
	if to == 0 {
		return agent.PendingQuery{}, ErrInvalidTarget
	}
	if cmd == "" {
		return agent.PendingQuery{}, ErrEmptyCommand
	}

	msg, pending := c.dispatcher.NewQuery(c.sessionID, to, cmd, val)
	if !c.sendOrDropLocked(msg, true) {
		c.dispatcher.Cancel(pending.RequestID)
		return agent.PendingQuery{}, fmt.Errorf("query %d to %d: %w", pending.RequestID, to, ErrSendFailed)
	}

	c.logger.Info().
		Int64("reqid", pending.RequestID).
		Uint32("to", to).
		Str("cmd", cmd).
		Str("val", val).
		Msg("query sent")
	return pending, nil
}

// HandleEvent applies one transport event. Events of a link other than the
// one the last Start opened are dropped.
func (c *Connection) HandleEvent(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Link != c.link {
		c.logger.Debug().
			Str("event", ev.Kind.String()).
			Uint64("link", ev.Link).
			Uint64("current", c.link).
			Msg("ignoring event of a previous link")
		return
	}

	switch ev.Kind {
	case transport.EventConnected:
		c.connectedLocked()
	case transport.EventData:
		c.bytesReceivedLocked(ev.Data)
	case transport.EventDisconnected:
		c.linkClosedLocked(ev.Err)
	}
}

// Run drives the connection until ctx is done: ticks every interval,
// transport events and host state changes. The session is stopped on
// return. changes may be nil.
func (c *Connection) Run(ctx context.Context, interval time.Duration, changes <-chan broadcast.Change) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var tick uint64
	linkEvents := c.transport.Events()

	for {
		select {
		case <-ctx.Done():
			c.Stop()
			c.logger.Info().Msg("connection loop stopped")
			return nil

		case <-ticker.C:
			tick++
			c.OnTimerTick(tick)

		case ev := <-linkEvents:
			c.HandleEvent(ev)

		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			c.OnStateChange(ch.Old, ch.New)
		}
	}
}

// Status returns a snapshot of the session.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		Phase:         c.phase,
		Active:        c.active,
		Server:        c.serverURL,
		EntityID:      c.entityID,
		SessionID:     c.sessionID,
		RetryTicks:    c.retryTicks,
		ActiveState:   c.modelState,
		VirtualCamera: c.vcam,
		UpdatesSent:   c.updatesSent,
		Peers:         len(c.dispatcher.Peers()),
		Pending:       len(c.dispatcher.Pending()),
		ConnectedAt:   c.connectedAt,
		LoggedInAt:    c.loggedInAt,
		LastPingAt:    c.lastPingAt,
	}
}

// Phase returns the current lifecycle phase.
func (c *Connection) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Peers returns the agents currently on the channel.
func (c *Connection) Peers() []agent.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatcher.Peers()
}

// Pending returns our unanswered queries.
func (c *Connection) Pending() []agent.PendingQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatcher.Pending()
}

// sendLocked encodes and sends m. Failures are logged and reported as false.
func (c *Connection) sendLocked(m *protocol.Message, encode bool) bool {
	name := protocol.TypeName(m.Type)
	text, err := c.codec.EncodeText(m, encode)
	if err != nil {
		c.logger.Error().Err(err).Str("type", name).Msg("failed to encode message")
		c.metrics.MessageSent(name, false)
		return false
	}

	ok := c.transport.Send(text)
	c.metrics.MessageSent(name, ok)
	if !ok {
		c.logger.Warn().Str("type", name).Int("bytes", len(text)).Msg("transport send failed")
	}
	return ok
}

// sendOrDropLocked sends m and treats a refused send as a lost link.
func (c *Connection) sendOrDropLocked(m *protocol.Message, encode bool) bool {
	if c.sendLocked(m, encode) {
		return true
	}
	if c.phase != PhaseDisconnected {
		c.dropLinkLocked(fmt.Sprintf("send of %s failed", protocol.TypeName(m.Type)))
	}
	return false
}

func (c *Connection) setPhaseLocked(p Phase) {
	if c.phase == p {
		return
	}
	c.logger.Debug().Str("from", c.phase.String()).Str("to", p.String()).Msg("phase change")
	c.phase = p
	if p == PhaseDisconnected || p == PhaseConnecting {
		c.loggedInAt = time.Time{}
	}
	c.metrics.SetPhase(int(p))
}

func (c *Connection) emit(t events.EventType, p interface{}) {
	if c.bus == nil {
		return
	}
	c.bus.Emit(context.Background(), events.Event{Type: t, Source: "connector", Payload: p})
}
