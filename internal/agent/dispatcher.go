package agent

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/edgeagent/internal/broadcast"
	"github.com/energizer-project/edgeagent/internal/events"
	"github.com/energizer-project/edgeagent/internal/metrics"
	"github.com/energizer-project/edgeagent/internal/payload"
	"github.com/energizer-project/edgeagent/internal/protocol"
)

// Broadcaster is the stream host that query requests act on.
type Broadcaster interface {
	ActiveState() broadcast.State
	SetProfile(name string) error
	StartStream() error
	StopStream() error
}

// Peer is another agent present on the channel.
type Peer struct {
	ID         uint32        `json:"id"`
	Model      uint32        `json:"model"`
	JoinedAt   time.Time     `json:"joined_at"`
	LastUpdate time.Time     `json:"last_update,omitempty"`
	Updates    int           `json:"updates"`
	Status     payload.Value `json:"status"`
}

// PendingQuery is a query this host issued that has not been answered yet.
type PendingQuery struct {
	RequestID int64     `json:"reqid"`
	IssuedAt  time.Time `json:"issued_at"`
	To        uint32    `json:"to"`
	Command   string    `json:"cmd"`
	Value     string    `json:"val,omitempty"`
	Accepted  bool      `json:"accepted"`
}

// Options configures a Dispatcher.
type Options struct {
	// Model is the entity id of the channel this host joins.
	Model uint32
	Host  Broadcaster

	// Bus and Metrics are optional.
	Bus     *events.EventBus
	Metrics *metrics.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Dispatcher routes decoded AGENT messages and builds the replies. It keeps
// the peer roster and the table of outstanding queries.
//
// A Dispatcher is not safe for concurrent use; the owning connection
// serializes every call.
type Dispatcher struct {
	model     uint32
	host      Broadcaster
	peers     map[uint32]*Peer
	pending   map[int64]*PendingQuery
	nextReqID int64

	bus     *events.EventBus
	metrics *metrics.Metrics
	now     func() time.Time
	logger  zerolog.Logger
}

// NewDispatcher creates a dispatcher for one connection.
func NewDispatcher(opts Options) *Dispatcher {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		model:   opts.Model,
		host:    opts.Host,
		peers:   make(map[uint32]*Peer),
		pending: make(map[int64]*PendingQuery),
		bus:     opts.Bus,
		metrics: opts.Metrics,
		now:     now,
		logger:  log.With().Str("component", "agent").Logger(),
	}
}

// Dispatch handles one inbound message and returns the reply to send, or
// nil when none is due. Only AGENT messages are considered. A message from
// sender 0 is a server notice and is never answered.
func (d *Dispatcher) Dispatch(sessionID uint32, msg *protocol.Message) *protocol.Message {
	if msg.Type != protocol.TypeAgent {
		return nil
	}

	data := msg.Data
	if !data.IsObject() {
		d.logger.Warn().
			Uint32("from", msg.From).
			Int("payload_len", len(msg.Payload)).
			Msg("agent message without an object payload")
		return nil
	}

	op, ok := data.Uint32("op")
	if !ok {
		d.logger.Warn().Uint32("from", msg.From).Str("data", data.String()).Msg("agent message without op")
		return nil
	}

	switch protocol.ChanOp(op) {
	case protocol.OpQuery:
		return d.onQuery(sessionID, msg, data)
	case protocol.OpNotify:
		d.logger.Debug().Uint32("from", msg.From).Str("data", data.String()).Msg("agent notify")
	case protocol.OpJoin:
		d.onJoin(sessionID, data)
	case protocol.OpPart:
		d.onPart(data)
	case protocol.OpUpdate:
		d.onUpdate(sessionID, data)
	default:
		d.logger.Debug().
			Uint32("op", op).
			Uint32("from", msg.From).
			Msg("ignoring agent op")
	}
	return nil
}

func (d *Dispatcher) onQuery(sessionID uint32, msg *protocol.Message, data payload.Value) *protocol.Message {
	if msg.From == 0 {
		d.onServerAck(data)
		return nil
	}

	resp := payload.NewObject()
	if reqID, ok := data.Int64("_reqid"); ok {
		resp.Set("_reqid", reqID)
	}
	if model, ok := data.Uint32("model"); ok {
		resp.Set("model", model)
	}
	resp.Set("op", uint32(protocol.OpQuery))
	resp.Set("from", sessionID)
	resp.Set("to", msg.From)

	reply, ok := data.Bool("reply")
	if !ok {
		qerr := invalidArg("missing reply property in FCCHAN_QUERY req")
		setResult(resp, qerr)
		d.logger.Warn().Uint32("from", msg.From).Msg(qerr.Msg)
		return protocol.BuildAgent(sessionID, msg.From, msg.Arg1, msg.Arg2, resp)
	}

	if reply {
		d.onQueryReply(msg.From, data)
		return nil
	}

	resp.Set("reply", true)
	cmd, qerr := d.handleRequest(data)
	setResult(resp, qerr)

	result := protocol.ResponseSuccess
	text := ""
	if qerr != nil {
		result = qerr.Response()
		text = qerr.Msg
	}

	reqID, _ := data.Int64("_reqid")
	level := zerolog.InfoLevel
	if qerr != nil {
		level = zerolog.WarnLevel
	}
	d.logger.WithLevel(level).
		Uint32("from", msg.From).
		Int64("reqid", reqID).
		Str("cmd", cmd).
		Str("result", result.String()).
		Str("reason", text).
		Msg("query request handled")

	d.metrics.QueryHandled(cmd, result.String())
	d.emit(events.EventQueryHandled, events.QueryHandledPayload{
		From:    msg.From,
		ReqID:   reqID,
		Command: cmd,
		Result:  uint32(result),
		Message: text,
	})

	return protocol.BuildAgent(sessionID, msg.From, msg.Arg1, msg.Arg2, resp)
}

func setResult(resp payload.Value, qerr *QueryError) {
	if qerr == nil {
		resp.Set("_err", uint32(protocol.ResponseSuccess))
		return
	}
	resp.Set("_err", uint32(qerr.Response()))
	resp.Set("_msg", qerr.Msg)
}

// handleRequest runs a query request and returns the command name for
// logging with the refusal, if any.
func (d *Dispatcher) handleRequest(data payload.Value) (string, *QueryError) {
	query, ok := data.Object("query")
	if !ok {
		return "", invalidArg("missing query object in req")
	}
	name, ok := query.Str("cmd")
	if !ok {
		return "", invalidArg("missing cmd property in query")
	}
	val, _ := query.Str("val")

	switch ParseCommand(name) {
	case CommandSetProfile:
		return name, d.setProfile(val)
	case CommandStart:
		return name, d.startStream()
	case CommandStop:
		return name, d.stopStream()
	default:
		return name, notFound("cmd not recognized")
	}
}

func (d *Dispatcher) setProfile(name string) *QueryError {
	if name == "" {
		return invalidArg("missing profile")
	}
	if d.host.ActiveState().Busy() {
		return invalidState("must be stopped to set profile")
	}
	if err := d.host.SetProfile(name); err != nil {
		if errors.Is(err, broadcast.ErrProfileBusy) {
			return invalidState("must be stopped to set profile")
		}
		return failed("unable to find profile")
	}
	return nil
}

func (d *Dispatcher) startStream() *QueryError {
	state := d.host.ActiveState()
	switch {
	case state == broadcast.StateStopped:
		if err := d.host.StartStream(); err != nil {
			return failed(err.Error())
		}
		return nil
	case state.Busy():
		return invalidState("must be fully stopped before starting")
	default:
		return invalidState("invalid profile or non-MFC servers, cannot start")
	}
}

func (d *Dispatcher) stopStream() *QueryError {
	if !d.host.ActiveState().Running() {
		return invalidState("must be started/starting to stop")
	}
	if err := d.host.StopStream(); err != nil {
		return failed(err.Error())
	}
	return nil
}

// onQueryReply resolves one of our own queries. Nothing is ever sent back.
func (d *Dispatcher) onQueryReply(from uint32, data payload.Value) {
	reqID, hasID := data.Int64("_reqid")
	p, found := d.pending[reqID]
	if !hasID || !found {
		d.logger.Warn().
			Uint32("from", from).
			Int64("reqid", reqID).
			Msg("query reply does not match any outstanding request")
		d.metrics.QueryResult("unmatched")
		return
	}

	delete(d.pending, reqID)
	d.metrics.SetPending(len(d.pending))
	d.metrics.QueryResult("replied")

	result := protocol.ResponseUnknown
	if code, ok := data.Uint32("_err"); ok {
		result = protocol.Response(code)
	}
	text, _ := data.Str("_msg")

	d.logger.Info().
		Uint32("from", from).
		Int64("reqid", reqID).
		Str("cmd", p.Command).
		Str("result", result.String()).
		Str("reason", text).
		Dur("elapsed", d.now().Sub(p.IssuedAt)).
		Msg("query answered")

	d.emit(events.EventQueryResult, events.QueryResultPayload{
		From:     from,
		ReqID:    reqID,
		Command:  p.Command,
		Result:   uint32(result),
		Message:  text,
		Accepted: result == protocol.ResponseSuccess,
	})
}

// onServerAck handles the server's verdict on query traffic we sent. A
// rejection of one of our outstanding requests resolves it as failed.
func (d *Dispatcher) onServerAck(data payload.Value) {
	code, hasCode := data.Uint32("_err")
	accepted := hasCode && protocol.Response(code) == protocol.ResponseSuccess
	reqID, hasID := data.Int64("_reqid")

	var p *PendingQuery
	if hasID {
		p = d.pending[reqID]
	}

	if accepted {
		d.logger.Debug().Int64("reqid", reqID).Msg("server accepted our FCCHAN_QUERY msg")
		if p != nil {
			p.Accepted = true
		}
		return
	}

	text, _ := data.Str("_msg")
	d.logger.Warn().
		Int64("reqid", reqID).
		Str("result", protocol.Response(code).String()).
		Str("reason", text).
		Str("data", data.String()).
		Msg("server rejected FCCHAN_QUERY msg")

	if p == nil {
		return
	}
	delete(d.pending, reqID)
	d.metrics.SetPending(len(d.pending))
	d.metrics.QueryResult("rejected")

	result := protocol.ResponseUnknown
	if hasCode {
		result = protocol.Response(code)
	}
	d.emit(events.EventQueryResult, events.QueryResultPayload{
		ReqID:   reqID,
		Command: p.Command,
		Result:  uint32(result),
		Message: text,
	})
}

func (d *Dispatcher) onJoin(sessionID uint32, data payload.Value) {
	model, hasModel := data.Uint32("model")
	from, hasFrom := data.Uint32("from")
	if !hasModel || !hasFrom {
		d.logger.Debug().Str("data", data.String()).Msg("join without model or sender")
		return
	}
	if from == sessionID && sessionID != 0 {
		return
	}

	now := d.now()
	p, ok := d.peers[from]
	if !ok {
		p = &Peer{ID: from, JoinedAt: now}
		d.peers[from] = p
	}
	p.Model = model
	if host, ok := data.Object("agent_host"); ok {
		p.Status = host
	}

	d.logger.Info().Uint32("peer", from).Uint32("model", model).Msg("agent joined channel")
	d.metrics.SetPeers(len(d.peers))
	d.emit(events.EventPeerJoined, events.PeerPayload{Model: model, Peer: from, Data: data.String()})
}

func (d *Dispatcher) onPart(data payload.Value) {
	model, hasModel := data.Uint32("model")
	from, hasFrom := data.Uint32("from")
	if !hasModel || !hasFrom {
		d.logger.Debug().Str("data", data.String()).Msg("part without model or sender")
		return
	}

	if _, ok := d.peers[from]; !ok {
		d.logger.Debug().Uint32("peer", from).Msg("part from unknown agent")
		return
	}
	delete(d.peers, from)

	d.logger.Info().Uint32("peer", from).Uint32("model", model).Msg("agent left channel")
	d.metrics.SetPeers(len(d.peers))
	d.emit(events.EventPeerLeft, events.PeerPayload{Model: model, Peer: from})
}

func (d *Dispatcher) onUpdate(sessionID uint32, data payload.Value) {
	from, ok := data.Uint32("from")
	if !ok {
		d.logger.Debug().Str("data", data.String()).Msg("update without sender")
		return
	}
	if from == sessionID && sessionID != 0 {
		return
	}
	model, _ := data.Uint32("model")

	now := d.now()
	p, known := d.peers[from]
	if !known {
		p = &Peer{ID: from, Model: model, JoinedAt: now}
		d.peers[from] = p
		d.metrics.SetPeers(len(d.peers))
	}
	p.LastUpdate = now
	p.Updates++
	if host, ok := data.Object("agent_host"); ok {
		p.Status = host
	} else {
		p.Status = data
	}

	d.logger.Debug().Uint32("peer", from).Int("updates", p.Updates).Msg("agent status update")
	d.emit(events.EventPeerUpdate, events.PeerPayload{Model: p.Model, Peer: from, Data: p.Status.String()})
}

// NewQuery builds a query request to another agent and records it as
// outstanding. The request id is unique among outstanding requests.
func (d *Dispatcher) NewQuery(sessionID, to uint32, cmd, val string) (*protocol.Message, PendingQuery) {
	for {
		d.nextReqID++
		if _, used := d.pending[d.nextReqID]; !used {
			break
		}
	}

	query := payload.NewObject()
	query.Set("cmd", cmd)
	if val != "" {
		query.Set("val", val)
	}

	data := protocol.NewAgentPayload(protocol.OpQuery).
		Reply(false).
		RequestID(d.nextReqID).
		Model(d.model).
		Route(sessionID, to).
		Set("query", query).
		Build()

	p := PendingQuery{
		RequestID: d.nextReqID,
		IssuedAt:  d.now(),
		To:        to,
		Command:   cmd,
		Value:     val,
	}
	d.pending[p.RequestID] = &p
	d.metrics.SetPending(len(d.pending))

	return protocol.BuildAgent(sessionID, to, 0, 0, data), p
}

// SetModel changes the channel this host reports for. The connection calls
// it when started for a different entity.
func (d *Dispatcher) SetModel(id uint32) {
	d.model = id
}

// Model returns the channel entity id.
func (d *Dispatcher) Model() uint32 {
	return d.model
}

// Cancel forgets an outstanding query, as when it could not be sent.
func (d *Dispatcher) Cancel(reqID int64) {
	delete(d.pending, reqID)
	d.metrics.SetPending(len(d.pending))
}

// ExpirePending drops queries outstanding for at least ttl and returns them.
func (d *Dispatcher) ExpirePending(ttl time.Duration) []PendingQuery {
	if ttl <= 0 || len(d.pending) == 0 {
		return nil
	}

	now := d.now()
	var expired []PendingQuery
	for id, p := range d.pending {
		if now.Sub(p.IssuedAt) >= ttl {
			expired = append(expired, *p)
			delete(d.pending, id)
		}
	}
	if len(expired) == 0 {
		return nil
	}

	sort.Slice(expired, func(i, j int) bool { return expired[i].RequestID < expired[j].RequestID })
	for _, p := range expired {
		d.logger.Warn().
			Int64("reqid", p.RequestID).
			Uint32("to", p.To).
			Str("cmd", p.Command).
			Msg("query expired without reply")
		d.emit(events.EventQueryExpired, events.QueryResultPayload{
			From:    p.To,
			ReqID:   p.RequestID,
			Command: p.Command,
			Result:  uint32(protocol.ResponseExpired),
		})
	}
	d.metrics.QueriesExpired(len(expired))
	d.metrics.SetPending(len(d.pending))
	return expired
}

// Peers returns the current roster ordered by agent id.
func (d *Dispatcher) Peers() []Peer {
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pending returns the outstanding queries ordered by request id.
func (d *Dispatcher) Pending() []PendingQuery {
	out := make([]PendingQuery, 0, len(d.pending))
	for _, p := range d.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}

// Reset forgets the roster and every outstanding query. Both belong to the
// session that just ended.
func (d *Dispatcher) Reset() {
	if len(d.peers) > 0 || len(d.pending) > 0 {
		d.logger.Debug().
			Int("peers", len(d.peers)).
			Int("pending", len(d.pending)).
			Msg("clearing channel state")
	}
	d.peers = make(map[uint32]*Peer)
	d.pending = make(map[int64]*PendingQuery)
	d.metrics.SetPeers(0)
	d.metrics.SetPending(0)
}

func (d *Dispatcher) emit(t events.EventType, p interface{}) {
	if d.bus == nil {
		return
	}
	d.bus.Emit(context.Background(), events.Event{Type: t, Source: "agent", Payload: p})
}
