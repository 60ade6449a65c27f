// Command loadmesh-manager accepts worker connections, feeds jobs and
// assigns them to the least loaded idle worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/VerteraIO/loadmesh/internal/config"
	"github.com/VerteraIO/loadmesh/internal/controlplane/dispatch"
	"github.com/VerteraIO/loadmesh/internal/controlplane/health"
	"github.com/VerteraIO/loadmesh/internal/controlplane/jobs"
	"github.com/VerteraIO/loadmesh/internal/controlplane/ledger"
	"github.com/VerteraIO/loadmesh/internal/controlplane/reconciler"
	"github.com/VerteraIO/loadmesh/internal/controlplane/registry"
	"github.com/VerteraIO/loadmesh/internal/controlplane/scheduler"
	"github.com/VerteraIO/loadmesh/internal/controlplane/stores"
	grpccontroller "github.com/VerteraIO/loadmesh/internal/grpc/controller"
	httpserver "github.com/VerteraIO/loadmesh/internal/http"
	v1 "github.com/VerteraIO/loadmesh/internal/http/v1"
	"github.com/VerteraIO/loadmesh/internal/logging"
	"github.com/VerteraIO/loadmesh/internal/security/enroll"
)

const shutdownTimeout = 10 * time.Second

var cfg config.Manager

var rootCmd = &cobra.Command{
	Use:           "loadmesh-manager",
	Short:         "Distribute CPU-bound jobs across connected workers",
	SilenceUsage:  true,
	SilenceErrors: true,
	// Env is read after flag parsing; flags set on the command line win.
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return config.Overlay(cmd.Flags(), func() error {
			env, err := config.ManagerFromEnv()
			if err != nil {
				return err
			}
			cfg = env
			return nil
		})
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, logger)
	},
}

func init() {
	cfg = config.DefaultManager()

	f := rootCmd.Flags()
	f.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address for the API and WebSocket endpoint")
	f.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC listen address for workers (empty disables)")
	f.StringVar(&cfg.Secret, "secret", cfg.Secret, "shared secret used to verify worker tokens")
	f.StringVar(&cfg.Policy, "policy", cfg.Policy, "selection policy: weighted or roundrobin")
	f.StringVar(&cfg.OrphanPolicy, "orphan-policy", cfg.OrphanPolicy, "jobs of disconnected workers: orphan or requeue")
	f.DurationVar(&cfg.HealthInterval, "health-interval", cfg.HealthInterval, "load polling interval")
	f.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", cfg.ReconcileInterval, "periodic assignment pass interval")
	f.IntVar(&cfg.TotalJobs, "total-jobs", cfg.TotalJobs, "jobs to generate; the manager exits once all complete (0 disables)")
	f.DurationVar(&cfg.JobInterval, "job-interval", cfg.JobInterval, "delay between generated jobs")
	f.StringVar(&cfg.JobFunction, "job-function", cfg.JobFunction, "function name sent with run commands")
	f.StringVar(&cfg.LedgerBackend, "ledger-backend", cfg.LedgerBackend, "ledger store: memory or redis")
	f.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address for the redis ledger backend")
	f.StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "key prefix for ledger lists")
	f.StringVar(&cfg.LedgerExport, "ledger-export", cfg.LedgerExport, "write the ledger as JSON lines to this path on flush")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or console")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loadmesh-manager failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	policy, err := scheduler.Parse(cfg.Policy)
	if err != nil {
		return err
	}
	orphans, err := dispatch.ParseOrphanPolicy(cfg.OrphanPolicy)
	if err != nil {
		return err
	}

	store, err := stores.Open(ctx, stores.Config{
		Backend:     cfg.LedgerBackend,
		RedisAddr:   cfg.RedisAddr,
		RedisPrefix: cfg.RedisPrefix,
	})
	if err != nil {
		return err
	}
	l := ledger.New(store, ledger.WithExportPath(cfg.LedgerExport), ledger.WithLogger(logger))
	defer l.Close()

	// Worker sessions end with runCtx, so hijacked WebSocket connections
	// close once all jobs complete.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	secret := []byte(cfg.Secret)
	reg := registry.New(logger)
	d := dispatch.New(dispatch.Config{
		Policy:       policy,
		OrphanPolicy: orphans,
		JobFunction:  cfg.JobFunction,
		TotalJobs:    cfg.TotalJobs,
		JobInterval:  cfg.JobInterval,
		Verify:       enroll.Verifier(secret),
	}, reg, jobs.NewManager(), jobs.NewQueue(), l, logger)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpserver.NewServer(&v1.API{Dispatcher: d, Logger: logger}, logger),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}

	var grpcSrv *grpccontroller.Server
	if cfg.GRPCAddr != "" {
		grpcSrv = grpccontroller.NewServer(d.ServeConn, logger)
	}

	logger.Info("loadmesh-manager starting",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.String("policy", policy.Name()),
		zap.String("orphan_policy", string(orphans)),
		zap.String("ledger_backend", cfg.LedgerBackend),
		zap.Int("total_jobs", cfg.TotalJobs),
	)

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcSrv != nil {
		g.Go(func() error {
			if err := grpcSrv.ListenAndServe(cfg.GRPCAddr); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		health.NewMonitor(reg, cfg.HealthInterval, logger).Run(gctx)
		return nil
	})
	g.Go(func() error {
		reconciler.New(d, cfg.ReconcileInterval, logger).Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := d.Feed(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-d.Done():
			logger.Info("all jobs completed", zap.Int("total_jobs", cfg.TotalJobs))
			cancel()
		case <-gctx.Done():
		}
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer done()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		if grpcSrv != nil {
			grpcSrv.Stop()
		}
		return nil
	})

	err = g.Wait()

	flushCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer done()
	if ferr := l.Flush(flushCtx); ferr != nil {
		logger.Error("ledger flush failed", zap.Error(ferr))
		if err == nil {
			err = ferr
		}
	}
	logger.Info("loadmesh-manager stopped")
	return err
}
