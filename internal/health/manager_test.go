package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/energizer-project/edgeagent/internal/config"
	"github.com/energizer-project/edgeagent/internal/connector"
	"github.com/energizer-project/edgeagent/internal/events"
	"github.com/energizer-project/edgeagent/internal/util"
)

type fakeSession struct {
	status     connector.Status
	reconnects int
}

func (f *fakeSession) Status() connector.Status { return f.status }
func (f *fakeSession) Reconnect() bool {
	f.reconnects++
	return true
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func testConfig() config.HealthConfig {
	return config.DefaultConfig().Health
}

func collect(bus *events.EventBus, t events.EventType) chan events.Event {
	ch := make(chan events.Event, 8)
	bus.Subscribe(t, "test", func(_ context.Context, ev events.Event) error {
		ch <- ev
		return nil
	})
	return ch
}

func TestCheckSessionRestartsStalledSession(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	alerts := collect(bus, events.EventHealthAlert)

	session := &fakeSession{status: connector.Status{Active: true, Phase: connector.PhaseConnecting}}
	m := NewManager(testConfig(), "", bus, session)
	c := newClock()
	m.now = c.now
	ctx := context.Background()

	if res := m.CheckSession(ctx); res.Level != LevelInfo {
		t.Fatalf("first check = %+v", res)
	}
	c.advance(90 * time.Second)
	if res := m.CheckSession(ctx); res.Level != LevelInfo || session.reconnects != 0 {
		t.Fatalf("check before threshold = %+v, reconnects %d", res, session.reconnects)
	}
	c.advance(30 * time.Second)
	res := m.CheckSession(ctx)
	if res.Level != LevelWarning || session.reconnects != 1 {
		t.Fatalf("stalled check = %+v, reconnects %d", res, session.reconnects)
	}

	select {
	case ev := <-alerts:
		p := ev.Payload.(events.HealthAlertPayload)
		if p.Check != CheckSession || p.Level != LevelWarning {
			t.Errorf("alert = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no health alert emitted")
	}

	// the stall window starts over after a restart
	c.advance(30 * time.Second)
	if res := m.CheckSession(ctx); res.Level != LevelInfo {
		t.Errorf("check after restart = %+v", res)
	}

	session.status.Phase = connector.PhaseLoggedIn
	session.status.SessionID = 7
	if res := m.CheckSession(ctx); res.Level != LevelOK {
		t.Errorf("logged in check = %+v", res)
	}

	session.status = connector.Status{}
	if res := m.CheckSession(ctx); res.Level != LevelOK || res.Message != "session stopped" {
		t.Errorf("stopped check = %+v", res)
	}
}

func TestDiskLevel(t *testing.T) {
	tests := []struct {
		used, warn float64
		want       string
	}{
		{50, 80, LevelOK},
		{80, 80, LevelInfo},
		{85, 0, LevelOK},
		{91, 80, LevelWarning},
		{96, 80, LevelError},
		{100, 80, LevelCritical},
	}
	for _, tt := range tests {
		if got := diskLevel(tt.used, tt.warn); got != tt.want {
			t.Errorf("diskLevel(%v, %v) = %s, want %s", tt.used, tt.warn, got, tt.want)
		}
	}
}

func TestCheckDisk(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	alerts := collect(bus, events.EventHealthAlert)

	m := NewManager(testConfig(), "data/journal.db", bus, &fakeSession{})
	m.now = newClock().now

	var asked string
	m.diskUsage = func(path string) (*util.DiskUsage, error) {
		asked = path
		return &util.DiskUsage{TotalMB: 1000, FreeMB: 40, UsedPercent: 96}, nil
	}
	res := m.CheckDisk(context.Background())
	if asked != "data/journal.db" || res.Level != LevelError {
		t.Fatalf("CheckDisk = %+v for %q", res, asked)
	}
	select {
	case <-alerts:
	case <-time.After(time.Second):
		t.Fatal("no disk alert emitted")
	}

	m.diskUsage = func(string) (*util.DiskUsage, error) { return nil, errors.New("boom") }
	if res := m.CheckDisk(context.Background()); res.Level != LevelError || res.Message != "boom" {
		t.Errorf("failing CheckDisk = %+v", res)
	}

	report := m.Report()
	if len(report) != 1 || report[0].Check != CheckDisk {
		t.Errorf("report = %+v", report)
	}
}

func TestHeartbeat(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	beats := collect(bus, events.EventHeartbeat)

	session := &fakeSession{status: connector.Status{
		Active: true, Phase: connector.PhaseLoggedIn, SessionID: 7, Peers: 2, UpdatesSent: 5,
	}}
	m := NewManager(testConfig(), "", bus, session)
	m.Heartbeat(context.Background())

	select {
	case ev := <-beats:
		p := ev.Payload.(events.HeartbeatPayload)
		if p.Phase != "logged_in" || p.SessionID != 7 || p.Peers != 2 || p.UpdatesSent != 5 {
			t.Errorf("heartbeat = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no heartbeat emitted")
	}
}

func TestStartStopsWithContext(t *testing.T) {
	cfg := testConfig()
	cfg.DiskCheckSec = 0
	cfg.HeartbeatSec = 0

	m := NewManager(cfg, "", events.NewEventBus(), &fakeSession{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(m.Report()) == 0 {
		select {
		case <-deadline:
			t.Fatal("initial session check never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
