package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/VerteraIO/loadmesh/internal/controlplane/ledger"
)

// DefaultRedisPrefix namespaces the ledger lists.
const DefaultRedisPrefix = "loadmesh:ledger"

// Redis appends ledger records as JSON to two Redis lists,
// <prefix>:assignments and <prefix>:completions.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) assignmentsKey() string { return r.prefix + ":assignments" }
func (r *Redis) completionsKey() string { return r.prefix + ":completions" }

func (r *Redis) AppendAssignment(ctx context.Context, rec ledger.Assignment) error {
	return r.push(ctx, r.assignmentsKey(), rec)
}

func (r *Redis) AppendCompletion(ctx context.Context, rec ledger.Completion) error {
	return r.push(ctx, r.completionsKey(), rec)
}

func (r *Redis) push(ctx context.Context, key string, rec any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	if err := r.rdb.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Assignments(ctx context.Context) ([]ledger.Assignment, error) {
	raw, err := r.rdb.LRange(ctx, r.assignmentsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", r.assignmentsKey(), err)
	}
	out := make([]ledger.Assignment, 0, len(raw))
	for _, s := range raw {
		var rec ledger.Assignment
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("decode assignment: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Redis) Completions(ctx context.Context) ([]ledger.Completion, error) {
	raw, err := r.rdb.LRange(ctx, r.completionsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", r.completionsKey(), err)
	}
	out := make([]ledger.Completion, 0, len(raw))
	for _, s := range raw {
		var rec ledger.Completion
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("decode completion: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Flush is a no-op: every append is a synchronous RPUSH.
func (r *Redis) Flush(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }
