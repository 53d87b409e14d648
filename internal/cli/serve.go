package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/sqlfwd/internal/config"
	"github.com/roach88/sqlfwd/internal/primary"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the primary",
		Long: `Run the primary: open the database and accept programs from replicas
over gRPC until interrupted.

Settings come from defaults, the --config file, SQLFWD_* environment
variables, and flags, in increasing order of precedence.

Example:
  sqlfwd serve --db-path ./data.sqlite --data-dir ./sqlfwd-data
  SQLFWD_SESSION_TXN_TIMEOUT=10s sqlfwd serve -c sqlfwd.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}

	def := config.Default()
	f := cmd.Flags()
	f.String("db-path", def.DBPath, "SQLite database file")
	f.String("data-dir", def.DataDir, "directory for server metadata")
	f.String("grpc-listen-addr", def.GRPCListenAddr, "gRPC listen address")
	f.String("metrics-listen-addr", def.MetricsListenAddr, "Prometheus listen address (empty disables)")
	f.Duration("checkpoint-interval", def.CheckpointInterval, "WAL checkpoint interval (0 disables)")
	f.String("log-level", def.Log.Level, "log level (debug|info|warn|error)")
	f.String("log-format", def.Log.Format, "log format (text|json)")
	f.Int("max-sessions", def.Session.MaxSessions, "maximum open client sessions")
	f.Int("max-response-size", def.Exec.MaxResponseSize, "maximum bytes of row data per program (0 disables)")

	return cmd
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.Config, cmd.Flags())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	logger, err := newLogger(cfg.Log, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	slog.SetDefault(logger)

	p, err := primary.Open(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open primary", err)
	}
	defer func() {
		if closeErr := p.Close(); closeErr != nil {
			logger.Error("error closing primary", "error", closeErr)
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	// Use the command's context if set (tests), so callers can stop the server.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Primary listening on %s (frame %d)\n", lis.Addr(), p.FrameNo())

	if err := p.Run(ctx, lis); err != nil {
		return WrapExitError(ExitFailure, "primary failed", err)
	}
	logger.Info("primary stopped gracefully")
	return nil
}
