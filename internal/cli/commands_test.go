package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/edgeagent/internal/agent"
	"github.com/energizer-project/edgeagent/internal/broadcast"
	"github.com/energizer-project/edgeagent/internal/config"
	"github.com/energizer-project/edgeagent/internal/connector"
	"github.com/energizer-project/edgeagent/internal/events"
	"github.com/energizer-project/edgeagent/internal/health"
	"github.com/energizer-project/edgeagent/internal/payload"
	"github.com/energizer-project/edgeagent/internal/util"
)

type fakeSession struct {
	status  connector.Status
	peers   []agent.Peer
	pending []agent.PendingQuery
	queries []string
	vcam    []bool
}

func (f *fakeSession) Status() connector.Status      { return f.status }
func (f *fakeSession) Peers() []agent.Peer           { return f.peers }
func (f *fakeSession) Pending() []agent.PendingQuery { return f.pending }
func (f *fakeSession) Reconnect() bool               { return f.status.Server != "" }

func (f *fakeSession) SendQuery(to uint32, cmd, val string) (agent.PendingQuery, error) {
	if f.status.Phase != connector.PhaseLoggedIn {
		return agent.PendingQuery{}, connector.ErrNotLoggedIn
	}
	f.queries = append(f.queries, cmd+"|"+val)
	return agent.PendingQuery{RequestID: 9, To: to, Command: cmd, Value: val}, nil
}

func (f *fakeSession) SendVirtualCameraState(active bool) bool {
	f.vcam = append(f.vcam, active)
	return f.status.Phase == connector.PhaseLoggedIn
}

func newTestCLI(t *testing.T, input string) (*CLI, *fakeSession, *broadcast.Controller, *bytes.Buffer, *events.EventBus) {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}

	host := broadcast.NewController(broadcast.Options{
		Profiles:       []string{"main", "night mode"},
		CurrentProfile: "main",
		SystemInfo:     &util.SystemInfo{Hostname: "edge-test"},
	})
	t.Cleanup(host.Close)

	status := payload.NewObject()
	status.Set("activeState", 12)
	session := &fakeSession{
		status: connector.Status{Phase: connector.PhaseLoggedIn, Server: "wss://xchat1.example", SessionID: 7},
		peers:  []agent.Peer{{ID: 55, Model: 100, Updates: 3, Status: status}},
	}

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	out := &bytes.Buffer{}
	return NewCLI(cfg, bus, session, host, strings.NewReader(input), out), session, host, out, bus
}

func TestConsoleCommands(t *testing.T) {
	input := strings.Join([]string{
		"status",
		"peers",
		"pending",
		"state started",
		"vcam on",
		"query 55 setprofile night mode",
		"query abc start",
		"bogus",
		"quit",
		"status",
	}, "\n")
	c, session, host, out, _ := newTestCLI(t, input)

	c.Start(context.Background())
	text := out.String()

	for _, want := range []string{
		"logged_in",
		"wss://xchat1.example",
		"started",
		"No pending queries",
		"Broadcast state set to started",
		"Virtual camera on reported",
		"Query 9 sent to 55",
		"invalid session id: abc",
		"Unknown command: 'bogus'",
		"Shutting down edgeagent...",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output lacks %q:\n%s", want, text)
		}
	}

	if host.ActiveState() != broadcast.StateStarted {
		t.Errorf("state = %v", host.ActiveState())
	}
	if len(session.queries) != 1 || session.queries[0] != "setprofile|night mode" {
		t.Errorf("queries = %v", session.queries)
	}
	if strings.Count(text, "Session") != 1 {
		t.Error("commands after quit were executed")
	}
}

func TestConsoleStreamAndProfile(t *testing.T) {
	c, _, host, out, _ := newTestCLI(t, "profile night mode\nstart\nprofile main\nstop\nhost\n")
	c.Start(context.Background())

	text := out.String()
	if !strings.Contains(text, `Profile "night mode" selected`) {
		t.Errorf("profile not selected:\n%s", text)
	}
	if !strings.Contains(text, "Error: "+broadcast.ErrProfileBusy.Error()) {
		t.Errorf("busy profile change not refused:\n%s", text)
	}
	if snap := host.Snapshot(); snap.State != broadcast.StateStopped || snap.Profile != "night mode" {
		t.Errorf("host = %+v", snap)
	}
}

func TestConsoleNotLoggedIn(t *testing.T) {
	c, session, _, out, _ := newTestCLI(t, "query 55 start\nvcam off\nvcam maybe\n")
	session.status.Phase = connector.PhaseConnected
	c.Start(context.Background())

	text := out.String()
	if !strings.Contains(text, "Error: "+connector.ErrNotLoggedIn.Error()) {
		t.Errorf("query error missing:\n%s", text)
	}
	if !strings.Contains(text, "recorded, reported after login") {
		t.Errorf("vcam deferral missing:\n%s", text)
	}
	if !strings.Contains(text, "usage: vcam on|off") {
		t.Errorf("vcam usage missing:\n%s", text)
	}
}

func TestConsoleSetConfig(t *testing.T) {
	c, _, _, out, _ := newTestCLI(t, "setconfig ping_every_ticks 6\nsetconfig username edge one\nsetconfig nope 1\n")
	c.Start(context.Background())

	agentCfg := c.cfg.GetAgent()
	if agentCfg.PingEveryTicks != 6 || agentCfg.Username != "edge one" {
		t.Errorf("agent config = %+v", agentCfg)
	}
	if !strings.Contains(out.String(), `unknown agent option "nope"`) {
		t.Errorf("unknown key not reported:\n%s", out.String())
	}
}

func TestConsoleQuitEmitsShutdown(t *testing.T) {
	c, _, _, _, bus := newTestCLI(t, "quit\n")

	got := make(chan events.Event, 1)
	bus.Subscribe(events.EventShutdown, "test", func(ctx context.Context, ev events.Event) error {
		got <- ev
		return nil
	})

	c.Start(context.Background())
	select {
	case ev := <-got:
		if ev.Source != "cli" {
			t.Errorf("source = %q", ev.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("no shutdown event")
	}
}

func TestConsoleStopsWithContext(t *testing.T) {
	c, _, _, _, _ := newTestCLI(t, "")
	c.in = blockingReader{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("console ignored cancellation")
	}
}

type blockingReader struct{}

func (blockingReader) Read(p []byte) (int, error) {
	select {}
}

type fakeHealth []health.Result

func (f fakeHealth) Report() []health.Result { return f }

func TestHealthCommand(t *testing.T) {
	c, _, _, out, _ := newTestCLI(t, "health\nquit\n")
	c.Start(context.Background())
	if !strings.Contains(out.String(), "Health checks are disabled") {
		t.Errorf("output without manager:\n%s", out.String())
	}

	c, _, _, out, _ = newTestCLI(t, "health\nquit\n")
	c.SetHealth(fakeHealth{{Check: health.CheckDisk, Level: health.LevelWarning, Message: "disk usage at 91.0%"}})
	c.Start(context.Background())
	for _, want := range []string{"disk", "warning", "disk usage at 91.0%"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output lacks %q:\n%s", want, out.String())
		}
	}
}
