// Package config reads manager and worker settings from LOADMESH_*
// environment variables. Command-line flags override these values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/VerteraIO/loadmesh/internal/controlplane/dispatch"
	"github.com/VerteraIO/loadmesh/internal/controlplane/scheduler"
	"github.com/VerteraIO/loadmesh/internal/controlplane/stores"
	"github.com/VerteraIO/loadmesh/internal/transport"
)

const EnvPrefix = "LOADMESH_"

var ErrMissingSecret = errors.New("shared secret is required (LOADMESH_SECRET)")

type Manager struct {
	HTTPAddr          string
	GRPCAddr          string
	Secret            string
	Policy            string
	OrphanPolicy      string
	HealthInterval    time.Duration
	ReconcileInterval time.Duration
	TotalJobs         int
	JobInterval       time.Duration
	JobFunction       string
	LedgerBackend     string
	RedisAddr         string
	RedisPrefix       string
	LedgerExport      string
	LogLevel          string
	LogFormat         string
}

type Worker struct {
	ManagerURL      string
	Transport       string
	ManagerGRPCAddr string
	Secret          string
	Name            string
	Codec           string
	Reconnect       bool
	ReconnectDelay  time.Duration
	PiMinTerms      int
	PiMaxTerms      int
	LogLevel        string
	LogFormat       string
}

const (
	TransportWebSocket = "ws"
	TransportGRPC      = "grpc"
)

// DefaultManager returns manager settings before env or flags apply.
func DefaultManager() Manager {
	return Manager{
		HTTPAddr:          ":17000",
		Policy:            scheduler.PolicyWeighted,
		OrphanPolicy:      string(dispatch.OrphanSurface),
		HealthInterval:    5 * time.Second,
		ReconcileInterval: 10 * time.Second,
		JobInterval:       10 * time.Second,
		JobFunction:       transport.FuncRunJob,
		LedgerBackend:     stores.BackendMemory,
		RedisAddr:         "localhost:6379",
		RedisPrefix:       stores.DefaultRedisPrefix,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// ManagerFromEnv returns manager settings with defaults applied.
func ManagerFromEnv() (Manager, error) {
	var err error
	c := DefaultManager()
	c.HTTPAddr = str("HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = str("GRPC_ADDR", c.GRPCAddr)
	c.Secret = str("SECRET", c.Secret)
	c.Policy = str("POLICY", c.Policy)
	c.OrphanPolicy = str("ORPHAN_POLICY", c.OrphanPolicy)
	c.JobFunction = str("JOB_FUNCTION", c.JobFunction)
	c.LedgerBackend = str("LEDGER_BACKEND", c.LedgerBackend)
	c.RedisAddr = str("REDIS_ADDR", c.RedisAddr)
	c.RedisPrefix = str("REDIS_PREFIX", c.RedisPrefix)
	c.LedgerExport = str("LEDGER_EXPORT", c.LedgerExport)
	c.LogLevel = str("LOG_LEVEL", c.LogLevel)
	c.LogFormat = str("LOG_FORMAT", c.LogFormat)
	if c.HealthInterval, err = duration("HEALTH_INTERVAL", c.HealthInterval); err != nil {
		return c, err
	}
	if c.ReconcileInterval, err = duration("RECONCILE_INTERVAL", c.ReconcileInterval); err != nil {
		return c, err
	}
	if c.JobInterval, err = duration("JOB_INTERVAL", c.JobInterval); err != nil {
		return c, err
	}
	if c.TotalJobs, err = integer("TOTAL_JOBS", c.TotalJobs); err != nil {
		return c, err
	}
	return c, nil
}

// Validate checks values that flags or env may have set.
func (c Manager) Validate() error {
	if c.Secret == "" {
		return ErrMissingSecret
	}
	if c.HTTPAddr == "" {
		return errors.New("http address is required")
	}
	if _, err := scheduler.Parse(c.Policy); err != nil {
		return err
	}
	if _, err := dispatch.ParseOrphanPolicy(c.OrphanPolicy); err != nil {
		return err
	}
	if k, ok := transport.ParseKind(c.JobFunction); !ok || k != transport.KindRunJob {
		return fmt.Errorf("job function must be %s or %s, got %q", transport.FuncRunJob, transport.FuncCalculatePi, c.JobFunction)
	}
	switch c.LedgerBackend {
	case stores.BackendMemory:
	case stores.BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("redis address is required for the redis ledger backend")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.LedgerBackend)
	}
	if c.TotalJobs < 0 {
		return fmt.Errorf("total jobs must not be negative, got %d", c.TotalJobs)
	}
	if c.HealthInterval <= 0 || c.ReconcileInterval <= 0 {
		return errors.New("health and reconcile intervals must be positive")
	}
	if c.JobInterval < 0 {
		return errors.New("job interval must not be negative")
	}
	return nil
}

// DefaultWorker returns worker settings before env or flags apply.
func DefaultWorker() Worker {
	host, _ := os.Hostname()
	return Worker{
		ManagerURL:      "ws://localhost:17000/api/v1/connect",
		Transport:       TransportWebSocket,
		ManagerGRPCAddr: "localhost:17001",
		Name:            host,
		Codec:           transport.CodecNameJSON,
		ReconnectDelay:  2 * time.Second,
		PiMinTerms:      10_000_000,
		PiMaxTerms:      100_000_000,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// WorkerFromEnv returns worker settings with defaults applied.
func WorkerFromEnv() (Worker, error) {
	var err error
	c := DefaultWorker()
	c.ManagerURL = str("MANAGER_URL", c.ManagerURL)
	c.Transport = str("TRANSPORT", c.Transport)
	c.ManagerGRPCAddr = str("MANAGER_GRPC_ADDR", c.ManagerGRPCAddr)
	c.Secret = str("SECRET", c.Secret)
	c.Name = str("WORKER_NAME", c.Name)
	c.Codec = str("CODEC", c.Codec)
	c.LogLevel = str("LOG_LEVEL", c.LogLevel)
	c.LogFormat = str("LOG_FORMAT", c.LogFormat)
	if c.Reconnect, err = boolean("RECONNECT", c.Reconnect); err != nil {
		return c, err
	}
	if c.ReconnectDelay, err = duration("RECONNECT_DELAY", c.ReconnectDelay); err != nil {
		return c, err
	}
	if c.PiMinTerms, err = integer("PI_MIN_TERMS", c.PiMinTerms); err != nil {
		return c, err
	}
	if c.PiMaxTerms, err = integer("PI_MAX_TERMS", c.PiMaxTerms); err != nil {
		return c, err
	}
	return c, nil
}

// Validate checks values that flags or env may have set.
func (c Worker) Validate() error {
	if c.Secret == "" {
		return ErrMissingSecret
	}
	if c.Name == "" {
		return errors.New("worker name is required")
	}
	switch c.Transport {
	case TransportWebSocket:
		if c.ManagerURL == "" {
			return errors.New("manager url is required")
		}
	case TransportGRPC:
		if c.ManagerGRPCAddr == "" {
			return errors.New("manager grpc address is required")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Codec != transport.CodecNameJSON && c.Codec != transport.CodecNameMsgpack {
		return fmt.Errorf("unknown codec %q", c.Codec)
	}
	if c.PiMinTerms <= 0 || c.PiMaxTerms < c.PiMinTerms {
		return fmt.Errorf("invalid pi term range [%d, %d]", c.PiMinTerms, c.PiMaxTerms)
	}
	return nil
}

// Overlay runs load, which replaces the flag-bound settings with env
// values, then re-applies every flag set on the command line so flags
// keep precedence.
func Overlay(fs *pflag.FlagSet, load func() error) error {
	type setFlag struct{ name, value string }
	var changed []setFlag
	fs.Visit(func(f *pflag.Flag) {
		changed = append(changed, setFlag{f.Name, f.Value.String()})
	})
	if err := load(); err != nil {
		return err
	}
	for _, f := range changed {
		if err := fs.Set(f.name, f.value); err != nil {
			return fmt.Errorf("flag --%s: %w", f.name, err)
		}
	}
	return nil
}

func str(key, def string) string {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) (time.Duration, error) {
	v := str(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return d, nil
}

func integer(key string, def int) (int, error) {
	v := str(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return n, nil
}

func boolean(key string, def bool) (bool, error) {
	v := str(key, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return b, nil
}
