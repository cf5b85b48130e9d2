package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dohr-michael/agentoz/internal/agents"
	"github.com/dohr-michael/agentoz/internal/backend"
	"github.com/dohr-michael/agentoz/internal/config"
	"github.com/dohr-michael/agentoz/internal/events"
	"github.com/dohr-michael/agentoz/internal/gateway"
	"github.com/dohr-michael/agentoz/internal/heartbeat"
	"github.com/dohr-michael/agentoz/internal/orchestrator"
	"github.com/dohr-michael/agentoz/internal/scheduler"
	"github.com/dohr-michael/agentoz/internal/sessions"
	"github.com/dohr-michael/agentoz/internal/storage"
	"github.com/dohr-michael/agentoz/internal/storage/kv"
	"github.com/dohr-michael/agentoz/internal/tasks"
)

// NewGatewayCommand returns the gateway subcommand.
func NewGatewayCommand() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "Start the agentoz gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "Lock/backlog store driver (memory, sqlite)",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Compute backend driver (echo, ws)",
			},
		},
		Action: runGateway,
	}
}

func runGateway(ctx context.Context, cmd *cli.Command) error {
	setupLogging(cmd)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}
	if cmd.IsSet("store") {
		cfg.Store.Driver = cmd.String("store")
	}
	if cmd.IsSet("backend") {
		cfg.Backend.Driver = cmd.String("backend")
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	// Event bus
	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	eventLog := storage.NewEventLogger(config.DataDir("logs"), bus)
	defer eventLog.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	agentStore := agents.NewFileStore(config.DataDir("agents"))
	taskStore := tasks.NewFileStore(config.DataDir("tasks"))
	archive := sessions.NewFileArchive(config.DataDir("sessions"))

	orch, err := orchestrator.New(orchestrator.Config{
		Agents:       agentStore,
		Tasks:        taskStore,
		Locks:        agents.NewLock(store, cfg.Scheduler.LockTTL.Duration()),
		Backlog:      agents.NewBacklog(store),
		Backend:      newBackend(cfg.Backend),
		History:      storage.NewHistoryLog(config.DataDir("logs")),
		Bus:          bus,
		Metrics:      orchestrator.MustNewMetrics(reg),
		Archive:      archive,
		PublicURL:    cfg.Gateway.CallbackURL(),
		PollInterval: cfg.Scheduler.PollInterval.Duration(),
		CallTimeout:  cfg.Scheduler.CallTimeout.Duration(),
		SendTimeout:  cfg.Scheduler.SendTimeout.Duration(),
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	orch.Start()

	sweeper, err := scheduler.NewSweeper(orch.Sessions(), cfg.Sessions.CleanupSchedule, orch.ForgetSessions)
	if err != nil {
		return fmt.Errorf("session sweeper: %w", err)
	}
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("session sweeper: %w", err)
	}
	defer sweeper.Stop()

	server := gateway.NewServer(gateway.Deps{
		Orchestrator:     orch,
		Tasks:            taskStore,
		Agents:           agentStore,
		Bus:              bus,
		Archive:          archive,
		Gatherer:         reg,
		SubscriberBuffer: cfg.Scheduler.SubscriberBuffer,
	}, cfg.Gateway.Host, cfg.Gateway.Port)

	hb := heartbeat.NewWriter(config.HeartbeatPath(), cfg.Gateway.Addr(), func() any { return server.Stats() })
	hb.Start()
	defer hb.Stop()

	reloader := config.NewReloader(cmd.String("config"), config.DotenvPath(), cfg)
	reloader.OnReload(func(c *config.Config) {
		orch.SetLockTTL(c.Scheduler.LockTTL.Duration())
		orch.SetCallTimeout(c.Scheduler.CallTimeout.Duration())
		orch.SetSendTimeout(c.Scheduler.SendTimeout.Duration())
	})

	slog.Info("gateway starting",
		"addr", cfg.Gateway.Addr(),
		"store", cfg.Store.Driver,
		"backend", cfg.Backend.Driver,
		"public_url", cfg.Gateway.CallbackURL(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				if err := reloader.Reload(); err != nil {
					slog.Warn("config reload failed, keeping current config", "error", err)
				}
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		if stopErr := orch.Stop(shutdownCtx); stopErr != nil {
			slog.Warn("tasks still running at shutdown", "error", stopErr)
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (kv.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		if err := os.MkdirAll(config.AgentozPath(), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		s, err := kv.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		return kv.NewMemoryStore(), nil
	}
}

func newBackend(cfg config.BackendConfig) backend.Backend {
	if cfg.Driver == "ws" {
		return backend.NewWSBackend(cfg.URL, cfg.Headers, cfg.DialTimeout.Duration())
	}
	return backend.NewEcho()
}
