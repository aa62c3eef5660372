package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/quarterdeck/qd/internal/classify"
	"github.com/quarterdeck/qd/internal/config"
	"github.com/quarterdeck/qd/internal/correlate"
	"github.com/quarterdeck/qd/internal/events"
	"github.com/quarterdeck/qd/internal/ingest"
	"github.com/quarterdeck/qd/internal/locks"
	"github.com/quarterdeck/qd/internal/logging"
	"github.com/quarterdeck/qd/internal/server"
	"github.com/quarterdeck/qd/internal/store"
	"github.com/quarterdeck/qd/internal/tmux"
	"github.com/quarterdeck/qd/internal/transcript"
	"github.com/quarterdeck/qd/internal/workers"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New()
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	cmd := newRootCommand(cfg, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "qd",
		Short:         "Quarterdeck agent session tracking engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newServeCommand(cfg, logger),
		newReconcileCommand(cfg, logger),
		newStatusCommand(cfg),
		newRegisterCommand(cfg, logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	return root
}

// engine bundles every runtime component behind one constructor so serve
// and reconcile wire identical stacks.
type engine struct {
	store      *store.Store
	bus        *events.InMemoryBus
	cache      *correlate.Cache
	receiver   *ingest.Receiver
	reconciler *transcript.Reconciler
	locks      *locks.Service
}

func buildEngine(cfg *config.Config, logger *log.Logger) (*engine, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	lockSvc, err := locks.New(st, locks.Options{Timeout: cfg.LockTimeout})
	if err != nil {
		st.Close()
		return nil, err
	}

	bus := events.New(events.WithLogger(logger))

	cache := correlate.NewCache()
	correlator, err := correlate.New(st, cache, correlate.Options{
		AutoRegister: cfg.AutoRegister,
		RecentWindow: cfg.RecentWindow,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	classifier := classify.NewEngine(nil, cfg.ConfidenceThreshold)

	receiver, err := ingest.New(ingest.Options{
		Store:        st,
		Locks:        lockSvc,
		Correlator:   correlator,
		Classifier:   classifier,
		Bus:          bus,
		Logger:       logger,
		PollInterval: cfg.ReconcileInterval,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	reconciler, err := transcript.New(transcript.Options{
		Store:      st,
		Locks:      lockSvc,
		Receiver:   receiver,
		Classifier: classifier,
		Bus:        bus,
		Logger:     logger,
		Interval:   cfg.ReconcileInterval,
		SoftLimit:  cfg.ReconcileSoftLimit,
		Ceiling:    cfg.ReconcileCeiling,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &engine{
		store:      st,
		bus:        bus,
		cache:      cache,
		receiver:   receiver,
		reconciler: reconciler,
		locks:      lockSvc,
	}, nil
}

func newServeCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hook server, reconciler, and maintenance workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := buildEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer eng.store.Close()

			var bridge *tmux.Bridge
			if cfg.TmuxEnabled {
				bridge = tmux.New(tmux.Options{})
			}

			reaper, err := workers.NewReaper(eng.store, eng.locks, eng.cache, eng.bus, logger, workers.ReaperConfig{
				Interval:    cfg.ReaperInterval,
				IdleTimeout: cfg.IdleThreshold,
			})
			if err != nil {
				return err
			}
			poller, err := workers.NewUsagePoller(eng.store, eng.locks, logger, workers.UsageConfig{
				Interval: cfg.UsagePollInterval,
			})
			if err != nil {
				return err
			}

			go eng.reconciler.Run(ctx)
			go reaper.Start(ctx)
			go poller.Start(ctx)

			if bridge != nil {
				watchdog, err := workers.NewWatchdog(eng.store, eng.locks, bridge, eng.bus, logger, workers.WatchdogConfig{
					Interval: cfg.WatchdogInterval,
				})
				if err != nil {
					return err
				}
				go watchdog.Start(ctx)
			}

			srvOpts := server.Options{
				Receiver:   eng.receiver,
				Reconciler: eng.reconciler,
				Store:      eng.store,
				Logger:     logger,
				Addr:       cfg.ListenAddr,
			}
			if bridge != nil {
				srvOpts.Bridge = bridge
			}
			srv, err := server.New(srvOpts)
			if err != nil {
				return err
			}
			return srv.Start(ctx)
		},
	}
}

func newReconcileCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <agent-id>",
		Short: "Run one reconciliation pass for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer eng.store.Close()

			changed, err := eng.reconciler.Reconcile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "agent %s: %d turns created or corrected\n", args[0], changed)
			return nil
		},
	}
}

func newStatusCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ingestion health of the running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + cfg.ListenAddr + "/v1/status")
			if err != nil {
				return fmt.Errorf("server not reachable at %s: %w", cfg.ListenAddr, err)
			}
			defer resp.Body.Close()

			var status struct {
				Receiving     bool   `json:"receiving"`
				LastEventAt   string `json:"last_event_at"`
				EventCount    int64  `json:"event_count"`
				PollInterval  string `json:"poll_interval"`
				ReceiveWindow string `json:"receive_window"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "receiving:      %t\n", status.Receiving)
			if status.LastEventAt != "" {
				fmt.Fprintf(out, "last event:     %s\n", status.LastEventAt)
			}
			fmt.Fprintf(out, "events total:   %d\n", status.EventCount)
			fmt.Fprintf(out, "poll interval:  %s\n", status.PollInterval)
			fmt.Fprintf(out, "receive window: %s\n", status.ReceiveWindow)
			return nil
		},
	}
}

func newRegisterCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "register <workdir>",
		Short: "Provision an agent for a working directory and print its session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workdir, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve workdir: %w", err)
			}

			eng, err := buildEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer eng.store.Close()

			agent, err := eng.store.CreateAgent(cmd.Context(), store.Agent{Workdir: workdir})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "agent id:      %s\n", agent.ID)
			fmt.Fprintf(out, "session token: %s\n", agent.SessionToken)
			fmt.Fprintf(out, "workdir:       %s\n", agent.Workdir)
			return nil
		},
	}
}
