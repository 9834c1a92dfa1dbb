package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciaai/searchdeep-sub000/pkg/config"
)

// memoryRedis answers the two scripts by hash and keeps plain keys in maps.
type memoryRedis struct {
	data     map[string]string
	counters map[string]int64
	ttls     map[string]time.Duration
	evals    int
}

func newMemoryRedis() *memoryRedis {
	return &memoryRedis{
		data:     map[string]string{},
		counters: map[string]int64{},
		ttls:     map[string]time.Duration{},
	}
}

func newTestClient(m *memoryRedis) *Client {
	return &Client{cmd: m, keys: DefaultKeyspace}
}

func (m *memoryRedis) EvalSha(_ context.Context, sha string, keys []string, args ...any) *redis.Cmd {
	m.evals++
	key := keys[0]
	switch sha {
	case fixedWindowScript.Hash():
		m.counters[key]++
		if m.counters[key] == 1 {
			m.ttls[key] = time.Duration(args[0].(int64)) * time.Millisecond
		}
		return redis.NewCmdResult([]any{m.counters[key], m.ttls[key].Milliseconds()}, nil)
	case releaseScript.Hash():
		if v, ok := m.data[key]; ok && v == args[0] {
			delete(m.data, key)
			return redis.NewCmdResult(int64(1), nil)
		}
		return redis.NewCmdResult(int64(0), nil)
	}
	return redis.NewCmdResult(nil, fmt.Errorf("unknown script %s", sha))
}

func (m *memoryRedis) Eval(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return redis.NewCmdResult(nil, fmt.Errorf("eval not expected"))
}

func (m *memoryRedis) EvalRO(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return m.Eval(ctx, script, keys, args...)
}

func (m *memoryRedis) EvalShaRO(ctx context.Context, sha string, keys []string, args ...any) *redis.Cmd {
	return m.EvalSha(ctx, sha, keys, args...)
}

func (m *memoryRedis) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (m *memoryRedis) ScriptLoad(context.Context, string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func (m *memoryRedis) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *memoryRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if v, ok := m.data[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (m *memoryRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	m.data[key] = fmt.Sprint(value)
	m.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (m *memoryRedis) SetNX(_ context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	if _, ok := m.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	m.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (m *memoryRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			n++
		}
		delete(m.data, k)
	}
	return redis.NewIntResult(n, nil)
}

func TestAllowCountsWithinOneWindow(t *testing.T) {
	ctx := context.Background()
	mem := newMemoryRedis()
	client := newTestClient(mem)

	first, err := client.Allow(ctx, "consume:u1", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.EqualValues(t, 1, first.Count)
	assert.Equal(t, time.Minute, first.ResetIn)
	assert.Equal(t, time.Minute, mem.ttls["sd:rate_limit:consume:u1"])

	second, err := client.Allow(ctx, "consume:u1", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, second.Allowed)

	third, err := client.Allow(ctx, "consume:u1", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.EqualValues(t, 3, third.Count)

	other, err := client.Allow(ctx, "consume:u2", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "scopes are counted independently")
}

func TestAllowRejectsEmptyWindow(t *testing.T) {
	mem := newMemoryRedis()
	_, err := newTestClient(mem).Allow(context.Background(), "s", 1, 0)
	assert.Error(t, err)
	assert.Zero(t, mem.evals)
}

func TestReleaseIfOwner(t *testing.T) {
	ctx := context.Background()
	mem := newMemoryRedis()
	client := newTestClient(mem)
	key := client.LockKey("cron")

	ok, err := client.SetNX(ctx, key, "token-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := client.ReleaseIfOwner(ctx, key, "token-b")
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, "token-a", mem.data[key])

	released, err = client.ReleaseIfOwner(ctx, key, "token-a")
	require.NoError(t, err)
	assert.True(t, released)
	assert.NotContains(t, mem.data, key)
}

func TestSetNXKeepsFirstValue(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(newMemoryRedis())
	key := client.IdempotencyKey("ledger-export", "evt-1")

	ok, err := client.SetNX(ctx, key, "1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.SetNX(ctx, key, "2", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := client.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	require.NoError(t, client.Del(ctx, key))
	_, err = client.Get(ctx, key)
	assert.ErrorIs(t, err, redis.Nil)
}

func TestZeroClientReportsNotInitialized(t *testing.T) {
	var client *Client
	assert.ErrorIs(t, client.Ping(context.Background()), errNotInitialized)
	assert.NoError(t, client.Close())

	empty := &Client{}
	_, err := empty.Allow(context.Background(), "s", 1, time.Second)
	assert.ErrorIs(t, err, errNotInitialized)
	_, err = empty.ReleaseIfOwner(context.Background(), "k", "t")
	assert.ErrorIs(t, err, errNotInitialized)
}

func TestBuildOptions(t *testing.T) {
	opts, err := buildOptions(config.RedisConfig{URL: "redis://localhost:6379/3", PoolSize: 7, DialTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, 7, opts.PoolSize)
	assert.Equal(t, time.Second, opts.DialTimeout)

	opts, err = buildOptions(config.RedisConfig{Address: "cache:6380", DB: 2, ReadTimeout: 3 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 3*time.Second, opts.ReadTimeout)

	_, err = buildOptions(config.RedisConfig{})
	assert.Error(t, err)

	_, err = buildOptions(config.RedisConfig{URL: "://bad"})
	assert.Error(t, err)
}

func TestKeyspace(t *testing.T) {
	ks := Keyspace("sd")
	assert.Equal(t, "sd:idempotency:scope:id", ks.Idempotency("scope", "id"))
	assert.Equal(t, "sd:idempotency:scope", ks.Idempotency("scope", " "))
	assert.Equal(t, "sd:rate_limit:consume:u1", ks.RateLimit("consume:u1"))
	assert.Equal(t, "sd:lock:balance_integrity", ks.Lock("balance_integrity"))

	client := &Client{keys: ks}
	assert.Equal(t, ks.Lock("x"), client.LockKey("x"))
}
