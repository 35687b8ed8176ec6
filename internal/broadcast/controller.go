package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/edgeagent/internal/payload"
	"github.com/energizer-project/edgeagent/internal/util"
)

// Errors returned by stream control when the current state forbids it.
var (
	ErrNotStopped     = errors.New("stream must be fully stopped before starting")
	ErrNotRunning     = errors.New("stream must be started or starting to stop")
	ErrProfileBusy    = errors.New("stream must be stopped to change profile")
	ErrUnknownProfile = errors.New("profile not found")
)

const changeBuffer = 32

// Options configures a Controller.
type Options struct {
	Profiles       []string
	CurrentProfile string
	StreamType     uint32
	Transport      string
	AgentVersion   string
	AppVersion     string

	// SettleDelay is how long Starting and Stopping last before the stream
	// reaches Started or Stopped. Zero settles immediately.
	SettleDelay time.Duration

	// SystemInfo overrides the gopsutil probe, mainly for tests.
	SystemInfo *util.SystemInfo
}

// Controller simulates the stream host whose activity is reported on the
// agent channel. Every transition is published on Changes.
type Controller struct {
	mu         sync.RWMutex
	opts       Options
	profiles   []string
	current    string
	state      State
	sys        util.SystemInfo
	instanceID string
	settle     *time.Timer
	changes    chan Change
	logger     zerolog.Logger
}

// NewController creates a controller. The initial state is Stopped when the
// current profile is one of the known profiles, UnknownProfile otherwise.
func NewController(opts Options) *Controller {
	if opts.Transport == "" {
		opts.Transport = "Unknown"
	}

	c := &Controller{
		opts:       opts,
		profiles:   append([]string(nil), opts.Profiles...),
		current:    opts.CurrentProfile,
		instanceID: uuid.NewString(),
		changes:    make(chan Change, changeBuffer),
		logger:     log.With().Str("component", "broadcast").Logger(),
	}

	if opts.SystemInfo != nil {
		c.sys = *opts.SystemInfo
	} else {
		c.sys = util.GetSystemInfo()
	}

	if c.profileIndex(c.current) >= 0 {
		c.state = StateStopped
	} else {
		c.state = StateUnknownProfile
	}

	return c
}

// ActiveState returns the current state.
func (c *Controller) ActiveState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Changes delivers state transitions in order. Transitions are dropped with a
// warning when nobody drains the channel.
func (c *Controller) Changes() <-chan Change {
	return c.changes
}

// SetState forces the state, as when the host reports it out of band.
func (c *Controller) SetState(s State) {
	c.mu.Lock()
	c.cancelSettle()
	ch, changed := c.transition(s)
	c.mu.Unlock()

	if changed {
		c.publish(ch)
	}
}

// SetProfile selects a profile by name. It only succeeds while no stream is
// active and the profile exists.
func (c *Controller) SetProfile(name string) error {
	c.mu.Lock()
	if c.state.Busy() {
		c.mu.Unlock()
		return ErrProfileBusy
	}
	if c.profileIndex(name) < 0 {
		c.mu.Unlock()
		return ErrUnknownProfile
	}

	c.current = name
	var ch Change
	changed := false
	if c.state == StateUnknownProfile {
		ch, changed = c.transition(StateStopped)
	}
	c.mu.Unlock()

	c.logger.Info().Str("profile", name).Msg("profile selected")
	if changed {
		c.publish(ch)
	}
	return nil
}

// StartStream moves Stopped to Starting, then to Started after SettleDelay.
func (c *Controller) StartStream() error {
	return c.run(StateStopped, StateStarting, StateStarted, ErrNotStopped)
}

// StopStream moves Started or Starting to Stopping, then to Stopped after
// SettleDelay.
func (c *Controller) StopStream() error {
	c.mu.RLock()
	running := c.state.Running()
	from := c.state
	c.mu.RUnlock()

	if !running {
		return ErrNotRunning
	}
	return c.run(from, StateStopping, StateStopped, ErrNotRunning)
}

func (c *Controller) run(from, via, to State, errState error) error {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return errState
	}
	c.cancelSettle()

	first, _ := c.transition(via)
	pending := []Change{first}

	if c.opts.SettleDelay <= 0 {
		second, _ := c.transition(to)
		pending = append(pending, second)
	} else {
		c.settle = time.AfterFunc(c.opts.SettleDelay, func() {
			c.mu.Lock()
			if c.state != via {
				c.mu.Unlock()
				return
			}
			ch, _ := c.transition(to)
			c.settle = nil
			c.mu.Unlock()
			c.publish(ch)
		})
	}
	c.mu.Unlock()

	for _, ch := range pending {
		c.publish(ch)
	}
	return nil
}

// Close stops any pending settle timer.
func (c *Controller) Close() {
	c.mu.Lock()
	c.cancelSettle()
	c.mu.Unlock()
}

// Snapshot is a read-only view of the controller for status surfaces.
type Snapshot struct {
	State      State    `json:"state"`
	Profile    string   `json:"profile"`
	Profiles   []string `json:"profiles"`
	StreamType uint32   `json:"stream_type"`
	Transport  string   `json:"transport"`
	InstanceID string   `json:"instance_id"`
}

// Snapshot returns the current controller view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		State:      c.state,
		Profile:    c.current,
		Profiles:   append([]string(nil), c.profiles...),
		StreamType: c.opts.StreamType,
		Transport:  c.opts.Transport,
		InstanceID: c.instanceID,
	}
}

// FillHostInfo writes the host report members into v, which must be an
// object. curprofile is the index of the current profile and is omitted
// when that profile is not in the list.
func (c *Controller) FillHostInfo(v payload.Value) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v.Set("osn", c.sys.OSName)
	v.Set("osb", c.sys.OSBuild)
	v.Set("osv", c.sys.OSVersion)
	v.Set("skv", c.opts.AgentVersion)
	v.Set("appver", c.opts.AppVersion)
	v.Set("nm", c.sys.Hostname)
	v.Set("profiles", c.profiles)
	if idx := c.profileIndex(c.current); idx >= 0 {
		v.Set("curprofile", idx)
	}
	v.Set("streamtype", c.opts.StreamType)
	v.Set("transport", c.opts.Transport)
	v.Set("instance", c.instanceID)
}

// transition must be called with mu held.
func (c *Controller) transition(s State) (Change, bool) {
	if c.state == s {
		return Change{Old: s, New: s}, false
	}
	ch := Change{Old: c.state, New: s}
	c.state = s
	return ch, true
}

// cancelSettle must be called with mu held.
func (c *Controller) cancelSettle() {
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
}

func (c *Controller) publish(ch Change) {
	c.logger.Debug().
		Str("old", ch.Old.String()).
		Str("new", ch.New.String()).
		Msg("broadcast state changed")

	select {
	case c.changes <- ch:
	default:
		c.logger.Warn().
			Str("new", ch.New.String()).
			Msg("state change dropped, nobody is draining changes")
	}
}

func (c *Controller) profileIndex(name string) int {
	if name == "" {
		return -1
	}
	for i, p := range c.profiles {
		if p == name {
			return i
		}
	}
	return -1
}
