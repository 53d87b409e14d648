// Package primary assembles a write-forwarding primary from its
// configuration: the database, the metadata store, the frame log, the
// session registry, and the gRPC service.
package primary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/sqlfwd/internal/config"
	"github.com/roach88/sqlfwd/internal/executor"
	"github.com/roach88/sqlfwd/internal/meta"
	"github.com/roach88/sqlfwd/internal/metrics"
	"github.com/roach88/sqlfwd/internal/replication"
	"github.com/roach88/sqlfwd/internal/server"
	"github.com/roach88/sqlfwd/internal/session"
	"github.com/roach88/sqlfwd/internal/sqlite"
)

// ShutdownTimeout bounds how long Run waits for in-flight calls after its
// context is done.
const ShutdownTimeout = 10 * time.Second

// MetaDir is the metadata store's directory under the data dir.
const MetaDir = "meta"

// Primary is a running primary's resources.
type Primary struct {
	cfg    config.Config
	logger *slog.Logger

	meta     *meta.Store
	frames   *replication.FrameLog
	db       *sqlite.DB
	registry *session.Registry
	gatherer prometheus.Gatherer
	server   *server.Server
}

// Open opens every resource cfg names. The caller must Close the primary.
func Open(cfg config.Config, logger *slog.Logger) (p *Primary, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	p = &Primary{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	p.meta, err = meta.Open(filepath.Join(cfg.DataDir, MetaDir), logger)
	if err != nil {
		return nil, err
	}
	p.frames, err = replication.Open(p.meta, replication.DefaultLeaseSize)
	if err != nil {
		return nil, err
	}

	p.db, err = sqlite.Open(cfg.DBPath, sqlite.Options{
		BusyTimeout: cfg.Exec.BusyTimeout,
		// One more than the sessions, for checkpoints.
		MaxConns: cfg.Session.MaxSessions + 1,
		Commits:  p.frames,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	policy, err := p.meta.DatabaseConfig()
	if err != nil {
		return nil, err
	}
	p.db.SetPolicy(policy)
	if policy.BlockReads || policy.BlockWrites {
		logger.Warn("database access is restricted",
			"block_reads", policy.BlockReads,
			"block_writes", policy.BlockWrites,
			"reason", policy.BlockReason,
		)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	p.gatherer = reg

	p.registry = session.NewRegistry(
		func(ctx context.Context) (session.Conn, error) {
			return p.db.Conn(ctx)
		},
		session.Config{
			IdleTimeout:   cfg.Session.IdleTimeout,
			TxnTimeout:    cfg.Session.TxnTimeout,
			SweepInterval: cfg.Session.SweepInterval,
			MaxSessions:   cfg.Session.MaxSessions,
			CreateTimeout: cfg.Session.CreateTimeout,
			MaxWaiters:    cfg.Session.MaxWaiters,
		},
		session.WithLogger(logger),
		session.WithObserver(m),
	)

	exec := executor.New(p.frames,
		executor.WithLogger(logger),
		executor.WithObserver(m),
		executor.WithStepTimeout(cfg.Exec.StepTimeout),
		executor.WithMaxResponseSize(cfg.Exec.MaxResponseSize),
	)
	p.server = server.New(server.NewService(p.registry, exec, logger), logger)

	logger.Info("primary ready",
		"db", cfg.DBPath,
		"data_dir", cfg.DataDir,
		"frame_no", p.frames.CurrentFrameNo(),
	)
	return p, nil
}

// FrameNo returns the current replication frame number.
func (p *Primary) FrameNo() uint64 {
	return p.frames.CurrentFrameNo()
}

// Run serves clients on lis, sweeps sessions, checkpoints the WAL, and
// serves metrics when configured, until ctx is done or serving fails.
func (p *Primary) Run(ctx context.Context, lis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.server.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		p.server.Stop(stopCtx)
		return nil
	})
	g.Go(func() error {
		p.registry.Run(ctx)
		return nil
	})
	if p.cfg.CheckpointInterval > 0 {
		g.Go(func() error {
			p.db.RunCheckpoints(ctx, p.cfg.CheckpointInterval)
			return nil
		})
	}
	if p.cfg.MetricsListenAddr != "" {
		g.Go(func() error {
			return p.serveMetrics(ctx)
		})
	}

	return g.Wait()
}

func (p *Primary) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(p.gatherer))
	srv := &http.Server{
		Addr:              p.cfg.MetricsListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	p.logger.Info("metrics listening", "addr", p.cfg.MetricsListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Close ends every session and closes the database and stores. The frame
// mark is persisted last so it covers every commit.
func (p *Primary) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	var errs []error
	if p.registry != nil {
		errs = append(errs, p.registry.Close(ctx))
	}
	if p.db != nil {
		errs = append(errs, p.db.Close())
	}
	if p.frames != nil {
		errs = append(errs, p.frames.Close())
	}
	if p.meta != nil {
		errs = append(errs, p.meta.Close())
	}
	return errors.Join(errs...)
}
