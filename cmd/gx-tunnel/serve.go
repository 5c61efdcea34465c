package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gx-tunnel/internal/config"
	"gx-tunnel/internal/logging"
	"gx-tunnel/internal/status"
	"gx-tunnel/internal/tunnel"
	"gx-tunnel/internal/usage"
	"gx-tunnel/internal/usermgmt"
)

func newServeCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tunnel server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cfg.BindAddress, "bind", "b", cfg.BindAddress, "address to listen on")
	f.IntVarP(&cfg.Port, "port", "p", cfg.Port, "port to listen on")
	f.StringVar(&cfg.DefaultTarget, "default-target", cfg.DefaultTarget, "target used when the handshake names no host (empty disables)")
	f.StringVar(&cfg.StatusAddress, "status-addr", cfg.StatusAddress, "listen address for the status endpoint (empty disables)")
	f.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "directory for the log file (empty logs to stderr only)")
	f.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "timeout for connecting to the target")
	f.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "timeout for reading the client handshake")
	f.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "relay idle-check interval")
	f.IntVar(&cfg.IdleLimit, "idle-limit", cfg.IdleLimit, "idle poll intervals before a relay is closed")
	f.Float64Var(&cfg.AcceptRate, "accept-rate", cfg.AcceptRate, "maximum accepted connections per second (0 is unlimited)")
	f.BoolVar(&cfg.LegacyHandshake, "legacy-handshake", cfg.LegacyHandshake, "send the legacy 101 response with a Content-Length line")
	f.DurationVar(&cfg.StatsInterval, "stats-interval", cfg.StatsInterval, "interval of the statistics log line (0 disables)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	closer, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return err
	}
	defer closer.Close()

	db, err := usermgmt.Open(cfg.UserDBPath, usermgmt.NewSessionCounter())
	if err != nil {
		return err
	}
	if err := usermgmt.NewManager(db).CreateDefaultUserFromEnv(); err != nil {
		log.WithError(err).Warn("Failed to create default user from environment variables")
	}

	ledger, err := usage.Open(cfg.StatsDBPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	srv := tunnel.NewServer(db, ledger, tunnel.Options{
		DefaultTarget:    cfg.DefaultTarget,
		DialTimeout:      cfg.DialTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PollInterval:     cfg.PollInterval,
		IdleLimit:        cfg.IdleLimit,
		AcceptRate:       cfg.AcceptRate,
		LegacyHandshake:  cfg.LegacyHandshake,
	})
	if err := srv.Start(cfg.BindAddress, cfg.Port); err != nil {
		return err
	}
	log.Infof("User database: %s", db.Path())
	log.Infof("Statistics database: %s", ledger.Path())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(srv.Wait)
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down...")
		srv.Stop()
		return nil
	})

	if cfg.StatusAddress != "" {
		router := status.NewRouter(srv, ledger, srv.Metrics().Registry())
		g.Go(func() error {
			return status.NewServer(cfg.StatusAddress, router).Run(ctx)
		})
	}

	if cfg.StatsInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.StatsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					srv.LogStats()
				}
			}
		})
	}

	err = g.Wait()
	log.Info("Server stopped")
	return err
}
