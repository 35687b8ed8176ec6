package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/edgeagent/internal/events"
)

// Journal records session events for later inspection.
type Journal struct {
	db *Database
}

// PeerRecord is a peer as last seen on the channel.
type PeerRecord struct {
	ID        uint32    `json:"id"`
	Model     uint32    `json:"model"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Updates   int       `json:"updates"`
	Present   bool      `json:"present"`
	Status    string    `json:"status,omitempty"`
}

// QueryRecord is the outcome of one query, in either direction.
type QueryRecord struct {
	ID        int64     `json:"id"`
	Direction string    `json:"direction"`
	Peer      uint32    `json:"peer"`
	ReqID     int64     `json:"reqid"`
	Command   string    `json:"cmd"`
	Result    uint32    `json:"result"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventRecord is one journaled bus event.
type EventRecord struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Query directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
	DirectionExpired  = "expired"
)

const subscriberName = "journal"

// NewJournal opens the journal at dbPath, creating the schema if needed.
func NewJournal(dbPath string) (*Journal, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	j := &Journal{db: database}
	if err := j.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}

	return j, nil
}

// schema lists the journal migrations in order. Append, never edit.
var schema = []string{
	`
	CREATE TABLE events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE peers (
		id INTEGER PRIMARY KEY,
		model INTEGER NOT NULL,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		updates INTEGER NOT NULL DEFAULT 0,
		present INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE query_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		direction TEXT NOT NULL,
		peer INTEGER NOT NULL,
		reqid INTEGER NOT NULL,
		cmd TEXT NOT NULL DEFAULT '',
		result INTEGER NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX idx_events_type ON events(type);
	CREATE INDEX idx_events_created ON events(created_at);
	CREATE INDEX idx_query_results_created ON query_results(created_at);
	`,
}

func (j *Journal) migrate() error {
	from, to, err := j.db.Migrate(schema)
	if err != nil {
		return err
	}
	log.Debug().Int("from", from).Int("to", to).Msg("journal schema ready")
	return nil
}

// Attach subscribes the journal to every agent event on bus.
func (j *Journal) Attach(bus *events.EventBus) {
	bus.SubscribeMany(events.AllAgentEvents, subscriberName, func(ctx context.Context, ev events.Event) error {
		return j.Record(ev)
	})
}

// Detach removes the journal's subscriptions.
func (j *Journal) Detach(bus *events.EventBus) {
	for _, t := range events.AllAgentEvents {
		bus.Unsubscribe(t, subscriberName)
	}
}

// Record stores ev and updates the peer and query tables it affects.
func (j *Journal) Record(ev events.Event) error {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	ms := at.UnixMilli()

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", ev.Type, err)
	}

	return j.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"INSERT INTO events (type, source, payload, created_at) VALUES (?, ?, ?, ?)",
			string(ev.Type), ev.Source, string(payload), ms); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}

		switch p := ev.Payload.(type) {
		case events.PeerPayload:
			return recordPeer(tx, ev.Type, p, ms)
		case events.QueryHandledPayload:
			return recordQuery(tx, DirectionInbound, p.From, p.ReqID, p.Command, p.Result, p.Message, ms)
		case events.QueryResultPayload:
			direction := DirectionOutbound
			if ev.Type == events.EventQueryExpired {
				direction = DirectionExpired
			}
			return recordQuery(tx, direction, p.From, p.ReqID, p.Command, p.Result, p.Message, ms)
		case events.LinkPayload:
			if ev.Type == events.EventLinkLost {
				// peers are unknown until the next join
				_, err := tx.Exec("UPDATE peers SET present = 0")
				return err
			}
		}
		return nil
	})
}

func recordPeer(tx *sql.Tx, t events.EventType, p events.PeerPayload, ms int64) error {
	var err error
	switch t {
	case events.EventPeerJoined:
		_, err = tx.Exec(`
			INSERT INTO peers (id, model, first_seen, last_seen, present, status)
			VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT(id) DO UPDATE SET
				model = excluded.model, last_seen = excluded.last_seen, present = 1`,
			p.Peer, p.Model, ms, ms, p.Data)
	case events.EventPeerLeft:
		_, err = tx.Exec("UPDATE peers SET present = 0, last_seen = ? WHERE id = ?", ms, p.Peer)
	case events.EventPeerUpdate:
		_, err = tx.Exec(`
			INSERT INTO peers (id, model, first_seen, last_seen, updates, present, status)
			VALUES (?, ?, ?, ?, 1, 1, ?)
			ON CONFLICT(id) DO UPDATE SET
				last_seen = excluded.last_seen, updates = peers.updates + 1,
				present = 1, status = excluded.status`,
			p.Peer, p.Model, ms, ms, p.Data)
	}
	if err != nil {
		return fmt.Errorf("failed to record peer %d: %w", p.Peer, err)
	}
	return nil
}

func recordQuery(tx *sql.Tx, direction string, peer uint32, reqID int64, cmd string, result uint32, msg string, ms int64) error {
	_, err := tx.Exec(`
		INSERT INTO query_results (direction, peer, reqid, cmd, result, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		direction, peer, reqID, cmd, result, msg, ms)
	if err != nil {
		return fmt.Errorf("failed to record query %d: %w", reqID, err)
	}
	return nil
}

// Peers returns every peer ever seen, most recent first.
func (j *Journal) Peers() ([]PeerRecord, error) {
	rows, err := j.db.Query(`
		SELECT id, model, first_seen, last_seen, updates, present, status
		FROM peers ORDER BY last_seen DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []PeerRecord
	for rows.Next() {
		var p PeerRecord
		var first, last int64
		if err := rows.Scan(&p.ID, &p.Model, &first, &last, &p.Updates, &p.Present, &p.Status); err != nil {
			return nil, fmt.Errorf("failed to scan peer: %w", err)
		}
		p.FirstSeen = time.UnixMilli(first)
		p.LastSeen = time.UnixMilli(last)
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// RecentQueries returns up to limit query outcomes, newest first.
func (j *Journal) RecentQueries(limit int) ([]QueryRecord, error) {
	rows, err := j.db.Query(`
		SELECT id, direction, peer, reqid, cmd, result, message, created_at
		FROM query_results ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueryRecord
	for rows.Next() {
		var q QueryRecord
		var created int64
		if err := rows.Scan(&q.ID, &q.Direction, &q.Peer, &q.ReqID, &q.Command, &q.Result, &q.Message, &created); err != nil {
			return nil, fmt.Errorf("failed to scan query result: %w", err)
		}
		q.CreatedAt = time.UnixMilli(created)
		out = append(out, q)
	}
	return out, rows.Err()
}

// RecentEvents returns up to limit events, newest first. An empty
// eventType matches every type.
func (j *Journal) RecentEvents(eventType string, limit int) ([]EventRecord, error) {
	query := "SELECT id, type, source, payload, created_at FROM events"
	args := []interface{}{}
	if eventType != "" {
		query += " WHERE type = ?"
		args = append(args, eventType)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, clampLimit(limit))

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		var created int64
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &e.Payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes events and query results older than cutoff.
func (j *Journal) Prune(cutoff time.Time) (int64, error) {
	var removed int64
	err := j.db.Transaction(func(tx *sql.Tx) error {
		for _, table := range []string{"events", "query_results"} {
			res, err := tx.Exec("DELETE FROM "+table+" WHERE created_at < ?", cutoff.UnixMilli())
			if err != nil {
				return fmt.Errorf("failed to prune %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return nil
	})
	if err == nil && removed > 0 {
		log.Info().Int64("rows", removed).Time("cutoff", cutoff).Msg("journal pruned")
	}
	return removed, err
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
