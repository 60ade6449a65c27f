package stores

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/VerteraIO/loadmesh/internal/controlplane/ledger"
)

func exerciseStore(t *testing.T, s ledger.Store) {
	t.Helper()
	ctx := context.Background()
	load := 0.25
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.AppendAssignment(ctx, ledger.Assignment{JobID: "job-1", WorkerID: 1, TimeAssigned: now, Load: &load}))
	require.NoError(t, s.AppendAssignment(ctx, ledger.Assignment{JobID: "job-2", WorkerID: 2, TimeAssigned: now}))
	require.NoError(t, s.AppendCompletion(ctx, ledger.Completion{JobID: "job-1", WorkerID: 1, TimeCompleted: now, Result: 3.14}))

	assignments, err := s.Assignments(ctx)
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	require.Equal(t, "job-1", assignments[0].JobID)
	require.NotNil(t, assignments[0].Load)
	require.InDelta(t, 0.25, *assignments[0].Load, 1e-9)
	require.Nil(t, assignments[1].Load)
	require.True(t, now.Equal(assignments[0].TimeAssigned))

	completions, err := s.Completions(ctx)
	require.NoError(t, err)
	require.Len(t, completions, 1)
	require.Equal(t, int64(1), completions[0].WorkerID)
	require.Equal(t, 3.14, completions[0].Result)

	require.NoError(t, s.Flush(ctx))
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	exerciseStore(t, NewMemory())
}

func TestRedisStore(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedis(rdb, "")
	defer s.Close()

	exerciseStore(t, s)

	raw, err := mr.List(DefaultRedisPrefix + ":assignments")
	require.NoError(t, err)
	require.Len(t, raw, 2)
	require.Contains(t, raw[0], `"job_id":"job-1"`)
}

func TestOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := Open(ctx, Config{})
	require.NoError(t, err)
	require.IsType(t, &Memory{}, s)

	mr := miniredis.RunT(t)
	s, err = Open(ctx, Config{Backend: BackendRedis, RedisAddr: mr.Addr(), RedisPrefix: "test"})
	require.NoError(t, err)
	require.IsType(t, &Redis{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Backend: "etcd"})
	require.Error(t, err)
}
