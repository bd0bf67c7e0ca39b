package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("token-%d", g.n), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryManagerGrantsOnce(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	m := NewMemoryManager(&seqIDGen{}, clk, 10*time.Minute)

	granted, token, err := m.Acquire(context.Background(), "cs")
	require.NoError(t, err)
	require.True(t, granted)
	require.NotEmpty(t, token)

	granted, _, err = m.Acquire(context.Background(), "cs")
	require.NoError(t, err)
	require.False(t, granted)

	// A different source is independent.
	granted, _, err = m.Acquire(context.Background(), "me")
	require.NoError(t, err)
	require.True(t, granted)
}

func TestMemoryManagerExpiryReopensLock(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	m := NewMemoryManager(&seqIDGen{}, clk, 10*time.Minute)

	granted, staleToken, err := m.Acquire(context.Background(), "cs")
	require.NoError(t, err)
	require.True(t, granted)

	clk.Advance(10*time.Minute + time.Second)

	granted, _, err = m.Acquire(context.Background(), "cs")
	require.NoError(t, err)
	require.True(t, granted)

	// The first holder's token no longer matches; its release must not
	// free the second holder's lock.
	released, err := m.Release(context.Background(), "cs", staleToken)
	require.NoError(t, err)
	require.False(t, released)

	granted, _, err = m.Acquire(context.Background(), "cs")
	require.NoError(t, err)
	require.False(t, granted)
}

func TestMemoryManagerReleaseByToken(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	m := NewMemoryManager(&seqIDGen{}, clk, 10*time.Minute)

	_, token, err := m.Acquire(context.Background(), "cs")
	require.NoError(t, err)

	released, err := m.Release(context.Background(), "cs", "wrong-token")
	require.NoError(t, err)
	require.False(t, released)

	released, err = m.Release(context.Background(), "cs", token)
	require.NoError(t, err)
	require.True(t, released)

	granted, _, err := m.Acquire(context.Background(), "cs")
	require.NoError(t, err)
	require.True(t, granted)
}

// fakeRedis scripts SetNX/Eval responses without a server.
type fakeRedis struct {
	setNXResult bool
	setNXErr    error
	evalResult  any
	evalErr     error

	lastKey string
	lastTTL time.Duration
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	f.lastKey = key
	f.lastTTL = ttl
	if f.setNXErr != nil {
		cmd := redis.NewBoolCmd(ctx)
		cmd.SetErr(f.setNXErr)
		return cmd
	}
	return redis.NewBoolResult(f.setNXResult, nil)
}

func (f *fakeRedis) Eval(ctx context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	if len(keys) > 0 {
		f.lastKey = keys[0]
	}
	if f.evalErr != nil {
		cmd := redis.NewCmd(ctx)
		cmd.SetErr(f.evalErr)
		return cmd
	}
	return redis.NewCmdResult(f.evalResult, nil)
}

func TestRedisManagerAcquire(t *testing.T) {
	t.Parallel()

	fake := &fakeRedis{setNXResult: true}
	m := NewRedisManager(fake, &seqIDGen{}, Config{KeyPrefix: "notice:trigger_lock:", TTL: 10 * time.Minute})

	granted, token, err := m.Acquire(context.Background(), "cs")
	require.NoError(t, err)
	require.True(t, granted)
	require.NotEmpty(t, token)
	require.Equal(t, "notice:trigger_lock:cs", fake.lastKey)
	require.Equal(t, 10*time.Minute, fake.lastTTL)
}

func TestRedisManagerAcquireDenied(t *testing.T) {
	t.Parallel()

	fake := &fakeRedis{setNXResult: false}
	m := NewRedisManager(fake, &seqIDGen{}, Config{})

	granted, token, err := m.Acquire(context.Background(), "cs")
	require.NoError(t, err)
	require.False(t, granted)
	require.Empty(t, token)
}

func TestRedisManagerInfraErrorWrapsSentinel(t *testing.T) {
	t.Parallel()

	fake := &fakeRedis{setNXErr: errors.New("connection refused")}
	m := NewRedisManager(fake, &seqIDGen{}, Config{})

	_, _, err := m.Acquire(context.Background(), "cs")
	require.Error(t, err)
	require.ErrorIs(t, err, pipeline.ErrLockUnavailable)
}

func TestRedisManagerRelease(t *testing.T) {
	t.Parallel()

	fake := &fakeRedis{evalResult: int64(1)}
	m := NewRedisManager(fake, &seqIDGen{}, Config{})

	released, err := m.Release(context.Background(), "cs", "token-1")
	require.NoError(t, err)
	require.True(t, released)

	fake.evalResult = int64(0)
	released, err = m.Release(context.Background(), "cs", "stale")
	require.NoError(t, err)
	require.False(t, released)
}
