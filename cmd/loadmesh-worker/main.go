// Command loadmesh-worker connects to a manager, reports its load and
// runs the jobs it is given.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/VerteraIO/loadmesh/internal/agent"
	"github.com/VerteraIO/loadmesh/internal/agent/collector"
	"github.com/VerteraIO/loadmesh/internal/agent/executor"
	"github.com/VerteraIO/loadmesh/internal/config"
	grpcagent "github.com/VerteraIO/loadmesh/internal/grpc/agent"
	"github.com/VerteraIO/loadmesh/internal/logging"
	"github.com/VerteraIO/loadmesh/internal/transport"
)

var cfg config.Worker

var rootCmd = &cobra.Command{
	Use:           "loadmesh-worker",
	Short:         "Run jobs handed out by a loadmesh manager",
	SilenceUsage:  true,
	SilenceErrors: true,
	// Env is read after flag parsing; flags set on the command line win.
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return config.Overlay(cmd.Flags(), func() error {
			env, err := config.WorkerFromEnv()
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
	cfg = config.DefaultWorker()

	f := rootCmd.Flags()
	f.StringVar(&cfg.ManagerURL, "manager-url", cfg.ManagerURL, "manager WebSocket endpoint")
	f.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport to the manager: ws or grpc")
	f.StringVar(&cfg.ManagerGRPCAddr, "manager-grpc-addr", cfg.ManagerGRPCAddr, "manager gRPC address")
	f.StringVar(&cfg.Secret, "secret", cfg.Secret, "shared secret used to mint session tokens")
	f.StringVar(&cfg.Name, "name", cfg.Name, "worker name presented to the manager")
	f.StringVar(&cfg.Codec, "codec", cfg.Codec, "envelope codec: json or msgpack")
	f.BoolVar(&cfg.Reconnect, "reconnect", cfg.Reconnect, "reconnect after the connection is lost")
	f.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "delay between reconnect attempts")
	f.IntVar(&cfg.PiMinTerms, "pi-min-terms", cfg.PiMinTerms, "lower bound of Leibniz series terms per job")
	f.IntVar(&cfg.PiMaxTerms, "pi-max-terms", cfg.PiMaxTerms, "upper bound of Leibniz series terms per job")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or console")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loadmesh-worker failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	codec := transport.GetCodec(cfg.Codec)

	var dial agent.Dialer
	switch cfg.Transport {
	case config.TransportGRPC:
		dial = func(ctx context.Context) (transport.Conn, error) {
			return grpcagent.Dial(ctx, cfg.ManagerGRPCAddr, codec)
		}
	default:
		dial = func(ctx context.Context) (transport.Conn, error) {
			return transport.DialWebSocket(ctx, cfg.ManagerURL, codec)
		}
	}

	a := agent.New(agent.Config{
		Name:           cfg.Name,
		Secret:         []byte(cfg.Secret),
		Reconnect:      cfg.Reconnect,
		ReconnectDelay: cfg.ReconnectDelay,
	}, dial, collector.NewLoadAvg(), &executor.Pi{MinTerms: cfg.PiMinTerms, MaxTerms: cfg.PiMaxTerms}, logger)

	logger.Info("loadmesh-worker starting",
		zap.String("name", cfg.Name),
		zap.String("transport", cfg.Transport),
		zap.String("codec", codec.Name()),
		zap.Bool("reconnect", cfg.Reconnect),
	)
	err := a.Run(ctx)
	if errors.Is(err, transport.ErrConnectionLost) && !cfg.Reconnect {
		logger.Info("connection to manager closed", zap.Error(err))
		return nil
	}
	return err
}
