package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/pocket/internal/auth"
	"github.com/michaelbrown/pocket/internal/config"
	"github.com/michaelbrown/pocket/internal/logging"
	"github.com/michaelbrown/pocket/internal/orchestrator"
	"github.com/michaelbrown/pocket/internal/policy"
	"github.com/michaelbrown/pocket/internal/reaper"
	"github.com/michaelbrown/pocket/internal/sandbox"
	"github.com/michaelbrown/pocket/internal/server"
	"github.com/michaelbrown/pocket/internal/session"
	"github.com/michaelbrown/pocket/internal/storage/sqlite"
)

const shutdownTimeout = 30 * time.Second

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Pocket server",
	Long: `Start the Pocket HTTP server with REST API and websocket terminal streams.

Sandboxes left behind by a previous run of this instance are removed at
startup. On SIGINT or SIGTERM every live session is torn down before exit.

Examples:
  pocket serve
  pocket serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Configure(logging.Config{Level: cfg.Log.Level, Console: cfg.Log.Console})
	logger := logging.WithComponent("serve")

	profiles, err := cfg.ResolveProfiles()
	if err != nil {
		return fmt.Errorf("loading profiles: %w", err)
	}
	pol, err := policy.New(profiles)
	if err != nil {
		return err
	}
	validator, err := auth.NewStaticTokens(cfg.TokenTable())
	if err != nil {
		return err
	}

	// Open storage
	ledger, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer ledger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := sandbox.NewDocker(ctx, sandbox.DockerConfig{
		Endpoint:      cfg.Runtime.Endpoint,
		Image:         cfg.Runtime.Image,
		Shell:         cfg.Runtime.Shell,
		User:          cfg.Runtime.User,
		Instance:      cfg.Runtime.Instance,
		EgressNetwork: cfg.Runtime.EgressNetwork,
		StopGrace:     cfg.Runtime.StopGrace,
		HealthTimeout: cfg.Runtime.HealthTimeout,
		TmpSizeMB:     cfg.Runtime.TmpSizeMB,
		PullImage:     cfg.Runtime.PullImage,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	registry := session.NewRegistry(cfg.Sessions.MaxConcurrent,
		session.WithLogger(logging.WithComponent("registry")))

	orch, err := orchestrator.New(orchestrator.Config{
		Engine:        engine,
		Policy:        pol,
		Registry:      registry,
		Auth:          validator,
		Journal:       ledger,
		CancelTimeout: cfg.Sessions.CancelTimeout,
	})
	if err != nil {
		return err
	}

	// Reclaim sandboxes from a previous run before accepting sessions.
	if n, err := orch.Reconcile(ctx); err != nil {
		logger.Warn().Err(err).Int("removed", n).Msg("startup reconcile incomplete")
	} else {
		logger.Info().Int("removed", n).Msg("startup reconcile")
	}

	rp := reaper.New(registry, engine, orch, reaper.Config{
		Interval:         cfg.Sessions.ReapInterval,
		IdleThreshold:    cfg.Sessions.IdleThreshold,
		MaxRetries:       cfg.Sessions.MaxTeardownRetries,
		OrphanSweepEvery: cfg.Sessions.OrphanSweepEvery,
	})

	srv := server.New(server.Config{
		Addr:           cfg.Addr(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit,
		CreateRate:     cfg.Sessions.CreateRate,
		CreateBurst:    cfg.Sessions.CreateBurst,
	}, orch, ledger, validator)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error { return rp.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		// The parent context is already done; shutdown gets its own budget.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), orch.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
