package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/policysync/internal/api"
	"github.com/roach88/policysync/internal/cache"
	"github.com/roach88/policysync/internal/config"
	"github.com/roach88/policysync/internal/node"
	"github.com/roach88/policysync/internal/replication"
	"github.com/roach88/policysync/internal/store"
)

// shutdownTimeout bounds how long in-flight HTTP requests may take once
// the server is stopping.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string

	// Resolver overrides the HTTP resolver built from the config (for testing).
	Resolver node.Resolver

	// IDGenerator overrides request ID generation (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGenerator replication.IDGenerator
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replication service",
		Long: `Run the replication orchestrator and its HTTP API.

The configuration names the cluster nodes, the local staging directory and,
optionally, a SQLite journal that records every state transition.

Example:
  policysync serve --config /etc/policysync/policysync.yaml
  policysync serve --config ./policysync.cue --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logger := newLogger(os.Stderr, opts.Verbose)
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger.Info("config loaded", "path", opts.ConfigPath, "nodes", len(cfg.Nodes), "local", cfg.LocalNode)

	staging, err := cache.New(cfg.StagingDir, cache.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open staging directory", err)
	}

	transfers := &http.Client{Timeout: cfg.Transfer.Timeout}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = node.NewHTTPResolver(cfg.Nodes, node.StaticAuthorizer{}, transfers)
	}
	ids := opts.IDGenerator
	if ids == nil {
		ids = replication.UUIDv7Generator{}
	}

	orchOpts := []replication.Option{
		replication.WithConfig(replication.Config{
			PollInterval:  cfg.Poll.Interval,
			ExportTimeout: cfg.Poll.ExportTimeout,
			ImportTimeout: cfg.Poll.ImportTimeout,
			ApplyTimeout:  cfg.Poll.ApplyTimeout,
			ChunkSize:     cfg.Upload.ChunkSize,
			URLSchemes:    cfg.URLSchemes,
		}),
		replication.WithFetcher(node.NewFetcher(transfers, cfg.URLSchemes)),
		replication.WithIDGenerator(ids),
		replication.WithLogger(logger),
	}

	if cfg.Journal != "" {
		logger.Info("opening journal", "path", cfg.Journal)
		st, err := store.Open(cfg.Journal)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing journal", "error", closeErr)
			}
		}()
		seq, err := st.MaxSeq(cmd.Context())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read journal", err)
		}
		orchOpts = append(orchOpts, replication.WithJournal(st), replication.WithClock(replication.NewClockAt(seq)))
	}

	orch := replication.New(resolver, staging, orchOpts...)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           api.NewHandler(orch, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error {
		return staging.RunSweeper(gctx, cfg.Cache.SweepInterval, cfg.Cache.TTL)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("service starting", "listen", ln.Addr().String(), "staging", cfg.StagingDir)
	fmt.Fprintf(cmd.OutOrStdout(), "policysync listening on %s\n", ln.Addr())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "service error", err)
	}

	logger.Info("service stopped gracefully")
	return nil
}
