package script

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeRunner adapts a plain *redis.Client to the Runner interface without
// tenant prefixing, enough to exercise the load/reload/retry machinery in
// isolation from connfactory.
type fakeRunner struct{ client *goredis.Client }

func (f fakeRunner) EvalSha(ctx context.Context, sha string, keys []string, args ...any) (any, error) {
	return f.client.EvalSha(ctx, sha, keys, args...).Result()
}

func (f fakeRunner) ScriptLoad(ctx context.Context, body string) (string, error) {
	return f.client.ScriptLoad(ctx, body).Result()
}

const echoScript = `return ARGV[1]`

func TestExecutor_LoadsOnceAndCachesSha(t *testing.T) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	runner := fakeRunner{client}
	exec := NewExecutor(Script{Name: "echo", Body: echoScript})

	ctx := context.Background()
	result, err := exec.Run(ctx, runner, "tenant-a", "echo", nil, "hi")
	require.NoError(t, err)
	require.Equal(t, "hi", result)

	sha, ok := exec.shaFor("tenant-a", "echo")
	require.True(t, ok)
	require.NotEmpty(t, sha)
}

func TestExecutor_ReloadsAfterServerForgetsScript(t *testing.T) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	runner := fakeRunner{client}
	exec := NewExecutor(Script{Name: "echo", Body: echoScript})
	ctx := context.Background()

	_, err := exec.Run(ctx, runner, "tenant-a", "echo", nil, "first")
	require.NoError(t, err)

	require.NoError(t, client.ScriptFlush(ctx).Err())

	result, err := exec.Run(ctx, runner, "tenant-a", "echo", nil, "second")
	require.NoError(t, err)
	require.Equal(t, "second", result)
}

func TestExecutor_UnregisteredScriptErrors(t *testing.T) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	runner := fakeRunner{client}
	exec := NewExecutor()

	_, err := exec.Run(context.Background(), runner, "tenant-a", "missing", nil)
	require.Error(t, err)
}
