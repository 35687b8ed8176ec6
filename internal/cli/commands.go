// Package cli implements the interactive console: session status, the peer
// roster, broadcast control and query issuing.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/edgeagent/internal/agent"
	"github.com/energizer-project/edgeagent/internal/broadcast"
	"github.com/energizer-project/edgeagent/internal/config"
	"github.com/energizer-project/edgeagent/internal/connector"
	"github.com/energizer-project/edgeagent/internal/events"
	"github.com/energizer-project/edgeagent/internal/health"
)

// Session is the chat server session the console drives.
type Session interface {
	Status() connector.Status
	Peers() []agent.Peer
	Pending() []agent.PendingQuery
	SendQuery(to uint32, cmd, val string) (agent.PendingQuery, error)
	SendVirtualCameraState(active bool) bool
	Reconnect() bool
}

// StreamHost is the local broadcast state.
type StreamHost interface {
	SetState(s broadcast.State)
	SetProfile(name string) error
	StartStream() error
	StopStream() error
	Snapshot() broadcast.Snapshot
}

// HealthReporter exposes the latest health check results.
type HealthReporter interface {
	Report() []health.Result
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	session  Session
	host     StreamHost
	health   HealthReporter

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, session Session, host StreamHost, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		session:  session,
		host:     host,
		in:       in,
		out:      out,
	}
}

// SetHealth enables the health command.
func (c *CLI) SetHealth(h HealthReporter) {
	c.health = h
}

// Start runs the command loop until ctx is done, the input ends or the
// operator quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nedgeagent console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input closed")
		}
	}()

	for {
		fmt.Fprint(c.out, "edgeagent> ")

		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		quit, err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:])
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
		if quit {
			return
		}
	}
}

// execute runs one command and reports whether the console should exit.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "peers", "p":
		c.printPeers()
	case "pending":
		c.printPending()
	case "host":
		c.printHost()
	case "health":
		c.printHealth()
	case "state":
		return false, c.cmdState(args)
	case "profile":
		return false, c.cmdProfile(args)
	case "start":
		return false, c.cmdStream("start", c.host.StartStream)
	case "stop":
		return false, c.cmdStream("stop", c.host.StopStream)
	case "vcam":
		return false, c.cmdVirtualCamera(args)
	case "query", "q":
		return false, c.cmdQuery(args)
	case "reconnect":
		return false, c.cmdReconnect()
	case "setconfig":
		return false, c.cmdSetConfig(ctx, args)
	case "quit", "exit":
		fmt.Fprintln(c.out, "Shutting down edgeagent...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  status                   Show the session state
  peers                    List agents present on the channel
  pending                  List queries waiting for a reply
  host                     Show the broadcast host
  health                   Show the latest health checks
  state <name|number>      Force the broadcast state
  profile <name>           Select a broadcast profile
  start | stop             Start or stop the stream
  vcam on|off              Report the virtual camera flag
  query <to> <cmd> [val]   Send a query to a peer session
  reconnect                Restart the session
  setconfig <key> <value>  Update an agent option
  quit                     Shut down edgeagent
  help                     Show this help message`)
	fmt.Fprintln(c.out)
}

func (c *CLI) newTable(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	st := c.session.Status()

	tw := c.newTable("Field", "Value")
	tw.AppendBulk([][]string{
		{"Phase", st.Phase.String()},
		{"Server", orDash(st.Server)},
		{"Entity", strconv.FormatUint(uint64(st.EntityID), 10)},
		{"Session", strconv.FormatUint(uint64(st.SessionID), 10)},
		{"Active state", st.ActiveState.String()},
		{"Virtual camera", strconv.FormatBool(st.VirtualCamera)},
		{"Updates sent", strconv.FormatUint(st.UpdatesSent, 10)},
		{"Peers", strconv.Itoa(st.Peers)},
		{"Pending", strconv.Itoa(st.Pending)},
		{"Retry ticks", strconv.Itoa(st.RetryTicks)},
		{"Logged in", formatTime(st.LoggedInAt)},
		{"Last ping", formatTime(st.LastPingAt)},
	})
	tw.Render()
}

func (c *CLI) printPeers() {
	peers := c.session.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(c.out, "No peers on the channel")
		return
	}

	tw := c.newTable("Session", "Model", "Joined", "Updates", "Active state")
	for _, p := range peers {
		state := "-"
		if n, ok := p.Status.Int64("activeState"); ok {
			state = broadcast.State(n).String()
		}
		tw.Append([]string{
			strconv.FormatUint(uint64(p.ID), 10),
			strconv.FormatUint(uint64(p.Model), 10),
			formatTime(p.JoinedAt),
			strconv.Itoa(p.Updates),
			state,
		})
	}
	tw.Render()
}

func (c *CLI) printPending() {
	pending := c.session.Pending()
	if len(pending) == 0 {
		fmt.Fprintln(c.out, "No pending queries")
		return
	}

	tw := c.newTable("Req", "To", "Cmd", "Val", "Issued", "Accepted")
	for _, q := range pending {
		tw.Append([]string{
			strconv.FormatInt(q.RequestID, 10),
			strconv.FormatUint(uint64(q.To), 10),
			q.Command,
			orDash(q.Value),
			formatTime(q.IssuedAt),
			strconv.FormatBool(q.Accepted),
		})
	}
	tw.Render()
}

func (c *CLI) printHost() {
	snap := c.host.Snapshot()
	fmt.Fprintf(c.out, "  State:     %s\n", snap.State)
	fmt.Fprintf(c.out, "  Profile:   %s\n", orDash(snap.Profile))
	fmt.Fprintf(c.out, "  Profiles:  %s\n", strings.Join(snap.Profiles, ", "))
	fmt.Fprintf(c.out, "  Transport: %s\n", snap.Transport)
	fmt.Fprintf(c.out, "  Instance:  %s\n", snap.InstanceID)
}

func (c *CLI) printHealth() {
	if c.health == nil {
		fmt.Fprintln(c.out, "Health checks are disabled")
		return
	}
	results := c.health.Report()
	if len(results) == 0 {
		fmt.Fprintln(c.out, "No health checks have run yet")
		return
	}

	tw := c.newTable("Check", "Level", "Message", "Checked")
	for _, r := range results {
		tw.Append([]string{r.Check, r.Level, r.Message, formatTime(r.CheckedAt)})
	}
	tw.Render()
}

func (c *CLI) cmdState(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: state <name|number>")
	}
	state, err := broadcast.ParseState(args[0])
	if err != nil {
		return err
	}
	c.host.SetState(state)
	fmt.Fprintf(c.out, "Broadcast state set to %s\n", state)
	return nil
}

func (c *CLI) cmdProfile(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: profile <name>")
	}
	name := strings.Join(args, " ")
	if err := c.host.SetProfile(name); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Profile %q selected\n", name)
	return nil
}

func (c *CLI) cmdStream(action string, fn func() error) error {
	if err := fn(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Stream %s requested, state is %s\n", action, c.host.Snapshot().State)
	return nil
}

func (c *CLI) cmdVirtualCamera(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: vcam on|off")
	}
	var active bool
	switch strings.ToLower(args[0]) {
	case "on", "true", "1":
		active = true
	case "off", "false", "0":
	default:
		return fmt.Errorf("usage: vcam on|off")
	}

	if c.session.SendVirtualCameraState(active) {
		fmt.Fprintf(c.out, "Virtual camera %s reported\n", args[0])
	} else {
		fmt.Fprintf(c.out, "Virtual camera %s recorded, reported after login\n", args[0])
	}
	return nil
}

func (c *CLI) cmdQuery(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: query <to> <cmd> [val]")
	}
	to, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid session id: %s", args[0])
	}
	val := strings.Join(args[2:], " ")

	pending, err := c.session.SendQuery(uint32(to), args[1], val)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Query %d sent to %d\n", pending.RequestID, to)
	return nil
}

func (c *CLI) cmdReconnect() error {
	if !c.session.Reconnect() {
		return fmt.Errorf("reconnect refused")
	}
	fmt.Fprintln(c.out, "Reconnection initiated")
	return nil
}

func (c *CLI) cmdSetConfig(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}

	key := args[0]
	raw := strings.Join(args[1:], " ")

	// numbers and booleans keep their JSON type
	var value interface{} = raw
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		value = n
	} else if b, err := strconv.ParseBool(raw); err == nil {
		value = b
	}

	if err := c.cfg.UpdateAgentField(key, value); err != nil {
		return err
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	c.eventBus.Emit(ctx, events.Event{
		Type:    events.EventConfigChanged,
		Source:  "cli",
		Payload: events.ConfigChangedPayload{Section: "agent", Key: key},
	})
	fmt.Fprintf(c.out, "Config updated: %s = %s\n", key, raw)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("15:04:05")
}
