// Package stores provides the persistence backends behind the ledger:
// an in-process store and a Redis store whose lists external analytics
// can read directly.
package stores

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/VerteraIO/loadmesh/internal/controlplane/ledger"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config selects and configures a ledger backend.
type Config struct {
	Backend     string
	RedisAddr   string
	RedisPrefix string
}

// Open builds the configured store. The Redis backend is pinged before it
// is returned so a bad address fails at startup.
func Open(ctx context.Context, cfg Config) (ledger.Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
		}
		return NewRedis(rdb, cfg.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// Memory keeps ledger records in process.
type Memory struct {
	mu          sync.RWMutex
	assignments []ledger.Assignment
	completions []ledger.Completion
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) AppendAssignment(_ context.Context, rec ledger.Assignment) error {
	m.mu.Lock()
	m.assignments = append(m.assignments, rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendCompletion(_ context.Context, rec ledger.Completion) error {
	m.mu.Lock()
	m.completions = append(m.completions, rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Assignments(context.Context) ([]ledger.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Assignment, len(m.assignments))
	copy(out, m.assignments)
	return out, nil
}

func (m *Memory) Completions(context.Context) ([]ledger.Completion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Completion, len(m.completions))
	copy(out, m.completions)
	return out, nil
}

func (m *Memory) Flush(context.Context) error { return nil }
func (m *Memory) Close() error                { return nil }
