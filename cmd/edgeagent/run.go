package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/energizer-project/edgeagent/internal/api"
	"github.com/energizer-project/edgeagent/internal/broadcast"
	"github.com/energizer-project/edgeagent/internal/cli"
	"github.com/energizer-project/edgeagent/internal/config"
	"github.com/energizer-project/edgeagent/internal/connector"
	"github.com/energizer-project/edgeagent/internal/db"
	"github.com/energizer-project/edgeagent/internal/events"
	"github.com/energizer-project/edgeagent/internal/health"
	"github.com/energizer-project/edgeagent/internal/metrics"
	"github.com/energizer-project/edgeagent/internal/scheduler"
	"github.com/energizer-project/edgeagent/internal/telemetry"
	"github.com/energizer-project/edgeagent/internal/transport"
	"github.com/energizer-project/edgeagent/internal/util"
)

type runFlags struct {
	configDir string
	serverURL string
	entityID  uint32
	token     string
	console   bool
	logLevel  string
}

func runCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the chat server and serve the agent channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f)
		},
	}

	cmd.Flags().StringVarP(&f.configDir, "config", "c", config.DefaultConfigDir, "Configuration directory")
	cmd.Flags().StringVar(&f.serverURL, "server", "", "Chat server url, overrides the configured one")
	cmd.Flags().Uint32Var(&f.entityID, "entity", 0, "Model id, overrides the configured one")
	cmd.Flags().StringVar(&f.token, "token", "", "Login token, overrides the configured one")
	cmd.Flags().BoolVar(&f.console, "console", true, "Run the interactive console")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level, overrides the configured one")

	return cmd
}

// applyFlags copies explicitly set flags over the agent configuration.
func applyFlags(cmd *cobra.Command, f runFlags, cfg *config.Config) {
	agentCfg := cfg.GetAgent()
	if cmd.Flags().Changed("server") {
		agentCfg.ServerURL = f.serverURL
	}
	if cmd.Flags().Changed("entity") {
		agentCfg.EntityID = f.entityID
	}
	if cmd.Flags().Changed("token") {
		agentCfg.AuthToken = f.token
	}
	cfg.SetAgent(agentCfg)
}

func run(cmd *cobra.Command, f runFlags) error {
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info().
		Str("version", version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting edgeagent")

	cfg, err := config.Load(f.configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logCfg := cfg.GetLogging()
	if f.logLevel != "" {
		logCfg.Level = f.logLevel
	}
	if err := util.InitLogger(util.LogConfig{
		Level:      logCfg.Level,
		Directory:  logCfg.Directory,
		MaxBackups: logCfg.MaxBackups,
		Console:    logCfg.Console,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	applyFlags(cmd, f, cfg)

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		if !cfg.IsFirstRun() {
			return fmt.Errorf("configuration validation failed")
		}
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
			return fmt.Errorf("setup wizard failed: %w", err)
		}
		if result := config.Validate(cfg); !result.IsValid() {
			return fmt.Errorf("configuration still invalid after setup: %v", result.Errors)
		}
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OSName).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	agentCfg := cfg.GetAgent()
	broadcastCfg := cfg.GetBroadcast()

	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	var m *metrics.Metrics
	if metricsCfg := cfg.GetMetrics(); metricsCfg.Enabled {
		m = metrics.New(metrics.WithNamespace(metricsCfg.Namespace))
	}

	host := broadcast.NewController(broadcast.Options{
		Profiles:       broadcastCfg.Profiles,
		CurrentProfile: broadcastCfg.CurrentProfile,
		StreamType:     broadcastCfg.StreamType,
		Transport:      broadcastCfg.Transport,
		AgentVersion:   version,
		AppVersion:     broadcastCfg.AppVersion,
		SettleDelay:    broadcastCfg.SettleDelay(),
		SystemInfo:     &sysInfo,
	})
	defer host.Close()

	ws := transport.NewWebSocket(transport.Options{
		DialTimeout: agentCfg.DialTimeout(),
		UserAgent:   "edgeagent/" + version,
	})
	defer ws.Close()

	queryTTL := agentCfg.QueryTTL()
	if agentCfg.QueryTTLSec < 1 {
		queryTTL = -1
	}
	conn := connector.NewConnection(ws, host, connector.Options{
		LoginVersion:     agentCfg.LoginVersion,
		WebsocketVersion: agentCfg.WebsocketVersion,
		MaxPayload:       agentCfg.MaxPayload,
		ReconnectTicks:   agentCfg.ReconnectTicks,
		PingEveryTicks:   agentCfg.PingEveryTicks,
		PingInterval:     agentCfg.PingInterval(),
		QueryTTL:         queryTTL,
		Bus:              eventBus,
		Metrics:          m,
	})

	var journal *db.Journal
	if dbCfg := cfg.GetDatabase(); dbCfg.Enabled {
		journal, err = db.NewJournal(dbCfg.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open journal, history disabled")
		} else {
			journal.Attach(eventBus)
			defer journal.Close()
		}
	}

	var mqttHandler *telemetry.MQTTHandler
	if mqttCfg := cfg.GetMQTT(); mqttCfg.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(mqttCfg, agentCfg.EntityID, version, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	serverURL := agentCfg.ServerURL
	if serverURL == "" {
		discoverCtx, discoverCancel := context.WithTimeout(ctx, 15*time.Second)
		serverURL = connector.DiscoverServer(discoverCtx, agentCfg.ServerConfigURL)
		discoverCancel()
	}

	var wg sync.WaitGroup
	launch := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("task", name).Msg("starting task")
			fn()
		}()
	}

	launch("connection", func() {
		if !conn.Start(agentCfg.EntityID, agentCfg.AuthToken, serverURL) {
			log.Warn().Str("server", serverURL).Msg("initial connect refused, retrying on tick")
		}
		if err := conn.Run(ctx, agentCfg.TickInterval(), host.Changes()); err != nil {
			log.Error().Err(err).Msg("connection loop failed")
		}
	})

	var healthMgr *health.Manager
	if healthCfg := cfg.GetHealth(); healthCfg.Enabled {
		healthMgr = health.NewManager(healthCfg, cfg.GetDatabase().Path, eventBus, conn)
		launch("health", func() { healthMgr.Start(ctx) })
	}

	if apiCfg := cfg.GetAPI(); apiCfg.Enabled {
		apiServer := api.NewServer(cfg, eventBus, conn, host, version)
		if healthMgr != nil {
			apiServer.SetHealth(healthMgr)
		}
		var history api.History
		if journal != nil {
			history = journal
		}
		var metricsHandler http.Handler
		if m != nil {
			metricsHandler = m.Handler()
		}
		apiServer.SetDependencies(history, metricsHandler)
		launch("api", func() {
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("API server stopped (non-fatal)")
			}
		})
	}

	if mqttHandler != nil {
		launch("mqtt", func() {
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		})
	}

	var pruner scheduler.Pruner
	if journal != nil {
		pruner = journal
	}
	sched := scheduler.NewScheduler(cfg, pruner, m)
	launch("scheduler", func() { sched.Start(ctx) })

	if f.console {
		console := cli.NewCLI(cfg, eventBus, conn, host, cmd.InOrStdin(), cmd.OutOrStdout())
		if healthMgr != nil {
			console.SetHealth(healthMgr)
		}
		launch("console", func() { console.Start(ctx) })
	}

	<-ctx.Done()
	log.Info().Msg("initiating graceful shutdown...")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	if journal != nil {
		journal.Detach(eventBus)
	}
	eventBus.Stop()

	log.Info().Msg("edgeagent stopped")
	return nil
}
