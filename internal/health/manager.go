// Package health runs periodic checks on the agent: a session that never
// gets logged in, the disk holding the journal, and a heartbeat summary for
// telemetry.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/edgeagent/internal/config"
	"github.com/energizer-project/edgeagent/internal/connector"
	"github.com/energizer-project/edgeagent/internal/events"
	"github.com/energizer-project/edgeagent/internal/util"
)

// Check levels, from healthy to worst.
const (
	LevelOK       = "ok"
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// Check names.
const (
	CheckSession = "session"
	CheckDisk    = "disk"
)

// Session is the connection the manager watches.
type Session interface {
	Status() connector.Status
	Reconnect() bool
}

// Result is the outcome of the latest run of one check.
type Result struct {
	Check     string    `json:"check"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CheckedAt time.Time `json:"checked_at"`
}

// Manager runs the health checks on their own intervals.
type Manager struct {
	cfg      config.HealthConfig
	diskPath string
	eventBus *events.EventBus
	session  Session

	now       func() time.Time
	diskUsage func(path string) (*util.DiskUsage, error)

	mu          sync.RWMutex
	results     map[string]Result
	stalledFrom time.Time
}

// NewManager creates a health manager. diskPath is the path whose
// filesystem is watched, usually the journal file.
func NewManager(cfg config.HealthConfig, diskPath string, eventBus *events.EventBus, session Session) *Manager {
	return &Manager{
		cfg:       cfg,
		diskPath:  diskPath,
		eventBus:  eventBus,
		session:   session,
		now:       time.Now,
		diskUsage: util.GetDiskUsage,
		results:   make(map[string]Result),
	}
}

// Start launches every enabled check and blocks until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{CheckSession, m.cfg.SessionCheckSec, func(ctx context.Context) { m.CheckSession(ctx) }},
		{CheckDisk, m.cfg.DiskCheckSec, func(ctx context.Context) { m.CheckDisk(ctx) }},
		{"heartbeat", m.cfg.HeartbeatSec, m.Heartbeat},
	}

	var wg sync.WaitGroup
	started := 0
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}
		started++

		check := check
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			log.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	log.Info().Int("checks", started).Msg("health check manager started")
	wg.Wait()
	log.Info().Msg("health check manager stopped")
}

// CheckSession flags a started session that has not reached the logged in
// phase within the stall threshold, and restarts it.
func (m *Manager) CheckSession(ctx context.Context) Result {
	st := m.session.Status()
	now := m.now()

	m.mu.Lock()
	var res Result
	switch {
	case !st.Active:
		m.stalledFrom = time.Time{}
		res = Result{Level: LevelOK, Message: "session stopped"}
	case st.Phase == connector.PhaseLoggedIn:
		m.stalledFrom = time.Time{}
		res = Result{Level: LevelOK, Message: fmt.Sprintf("logged in as session %d", st.SessionID)}
	default:
		if m.stalledFrom.IsZero() {
			m.stalledFrom = now
		}
		waited := now.Sub(m.stalledFrom)
		stallAfter := time.Duration(m.cfg.StallAfterSec) * time.Second
		if stallAfter <= 0 || waited < stallAfter {
			res = Result{Level: LevelInfo, Message: fmt.Sprintf("%s for %s", st.Phase, waited.Truncate(time.Second))}
			break
		}
		m.stalledFrom = now
		res = Result{Level: LevelWarning, Message: fmt.Sprintf("not logged in after %s, restarting session", waited.Truncate(time.Second))}
	}
	m.mu.Unlock()

	res = m.record(CheckSession, res, now)
	if res.Level == LevelWarning {
		log.Warn().Str("phase", st.Phase.String()).Str("server", st.Server).Msg(res.Message)
		m.alert(ctx, res)
		if !m.session.Reconnect() {
			log.Warn().Msg("session restart refused")
		}
	}
	return res
}

// CheckDisk reports the usage of the filesystem holding the journal.
func (m *Manager) CheckDisk(ctx context.Context) Result {
	now := m.now()

	usage, err := m.diskUsage(m.diskPath)
	if err != nil {
		log.Warn().Err(err).Msg("disk utilization check failed")
		return m.record(CheckDisk, Result{Level: LevelError, Message: err.Error()}, now)
	}

	log.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_mb", usage.FreeMB).
		Msg("disk utilization")

	res := Result{
		Level:   diskLevel(usage.UsedPercent, m.cfg.DiskWarnPercent),
		Message: fmt.Sprintf("disk usage at %.1f%% (%d MB free of %d MB)", usage.UsedPercent, usage.FreeMB, usage.TotalMB),
	}
	res = m.record(CheckDisk, res, now)

	if res.Level != LevelOK {
		log.Warn().Str("level", res.Level).Msg(res.Message)
		m.alert(ctx, res)
	}
	return res
}

func diskLevel(usedPercent, warnPercent float64) string {
	switch {
	case usedPercent >= 100:
		return LevelCritical
	case usedPercent >= 95:
		return LevelError
	case usedPercent >= 90:
		return LevelWarning
	case warnPercent > 0 && usedPercent >= warnPercent:
		return LevelInfo
	default:
		return LevelOK
	}
}

// Heartbeat publishes a summary of the session.
func (m *Manager) Heartbeat(ctx context.Context) {
	st := m.session.Status()
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventHeartbeat,
		Source: "health",
		Time:   m.now(),
		Payload: events.HeartbeatPayload{
			Phase:       st.Phase.String(),
			SessionID:   st.SessionID,
			ActiveState: st.ActiveState.String(),
			Peers:       st.Peers,
			Pending:     st.Pending,
			UpdatesSent: st.UpdatesSent,
		},
	})
}

// Report returns the latest result of every check that has run, ordered by
// check name.
func (m *Manager) Report() []Result {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Result, 0, len(m.results))
	for _, r := range m.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Check < out[j].Check })
	return out
}

func (m *Manager) record(check string, res Result, at time.Time) Result {
	res.Check = check
	res.CheckedAt = at

	m.mu.Lock()
	m.results[check] = res
	m.mu.Unlock()
	return res
}

func (m *Manager) alert(ctx context.Context, res Result) {
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventHealthAlert,
		Source: "health",
		Time:   res.CheckedAt,
		Payload: events.HealthAlertPayload{
			Check:   res.Check,
			Level:   res.Level,
			Message: res.Message,
		},
	})
}
