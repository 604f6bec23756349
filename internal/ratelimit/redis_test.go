package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScripter emulates the INCR+PEXPIRE+PTTL script against an in-memory
// map. EvalSha reports NOSCRIPT so Script.Run falls through to Eval, the
// same first-call path a real server takes.
type fakeScripter struct {
	counts map[string]int64
	ttls   map[string]int64
	evals  int
}

func newFakeScripter() *fakeScripter {
	return &fakeScripter{counts: make(map[string]int64), ttls: make(map[string]int64)}
}

func (f *fakeScripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.evals++
	key := keys[0]
	f.counts[key]++
	if f.counts[key] == 1 {
		f.ttls[key] = args[0].(int64)
	}
	return redis.NewCmdResult([]interface{}{f.counts[key], f.ttls[key]}, nil)
}

// noScriptError implements redis.Error so Script.Run's HasErrorPrefix
// check recognises it as a server NOSCRIPT reply.
type noScriptError string

func (e noScriptError) Error() string { return string(e) }
func (e noScriptError) RedisError()   {}

func (f *fakeScripter) EvalSha(ctx context.Context, sha string, keys []string, args ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(nil, noScriptError("NOSCRIPT no matching script"))
}

func (f *fakeScripter) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, script, keys, args...)
}

func (f *fakeScripter) EvalShaRO(ctx context.Context, sha string, keys []string, args ...interface{}) *redis.Cmd {
	return f.EvalSha(ctx, sha, keys, args...)
}

func (f *fakeScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult([]bool{false}, nil)
}

func (f *fakeScripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func TestRedisCounter_Incr(t *testing.T) {
	ctx := context.Background()
	fake := newFakeScripter()
	counter := NewRedisCounter(fake)

	count, resetAt, err := counter.Incr(ctx, "ten_1:read", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.WithinDuration(t, time.Now().Add(time.Minute), resetAt, 5*time.Second)

	count, _, err = counter.Incr(ctx, "ten_1:read", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Keys are namespaced so unrelated Redis data cannot collide.
	_, ok := fake.counts[redisKeyPrefix+"ten_1:read"]
	assert.True(t, ok)
}

func TestRedisCounter_MissingTTLFallsBack(t *testing.T) {
	ctx := context.Background()
	fake := newFakeScripter()
	fake.counts["spaceport:rl:stuck"] = 3
	fake.ttls["spaceport:rl:stuck"] = -1

	counter := NewRedisCounter(fake)
	_, resetAt, err := counter.Incr(ctx, "stuck", time.Minute)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), resetAt, 5*time.Second)
}

func TestRedisCounter_WiredThroughLimiter(t *testing.T) {
	ctx := context.Background()
	limiter := New(NewRedisCounter(newFakeScripter()))

	for i := 0; i < 2; i++ {
		res, err := limiter.CheckAndIncrement(ctx, "ten_1", "read", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := limiter.CheckAndIncrement(ctx, "ten_1", "read", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.RetryAfter > 0)
}
