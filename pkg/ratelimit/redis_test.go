package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func dialTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping integration test: redis not available (%v)", err)
	}
	return client
}

func TestStoreLimiter_BasicFlow(t *testing.T) {
	client := dialTestRedis(t)
	defer client.Close()

	limiter, err := NewStoreLimiter(client, WithPrefix("it:"), WithWindow(60*time.Second))
	require.NoError(t, err)

	ctx := context.Background()
	cred := fmt.Sprintf("it_test_%d", time.Now().UnixNano())
	limits := Limits{RPM: 2, ITPM: -1, OTPM: -1}

	v1, err := limiter.Admit(ctx, cred, limits, Request{InputTokens: 1})
	require.NoError(t, err)
	require.True(t, v1.Allowed())

	v2, err := limiter.Admit(ctx, cred, limits, Request{InputTokens: 1})
	require.NoError(t, err)
	require.True(t, v2.Allowed())

	v3, err := limiter.Admit(ctx, cred, limits, Request{InputTokens: 1})
	require.NoError(t, err)
	require.False(t, v3.Allowed())
	require.Equal(t, DimensionReq, v3.Dimension)
	require.Greater(t, v3.RetryAfter, time.Duration(0))
}

func TestStoreLimiter_DistributedConsistencyAcrossNodes(t *testing.T) {
	client := dialTestRedis(t)
	defer client.Close()

	ctx := context.Background()
	cred := fmt.Sprintf("dist_test_%d", time.Now().UnixNano())
	limits := Limits{RPM: 1, ITPM: -1, OTPM: -1}

	nodeA, err := NewStoreLimiter(client, WithPrefix("it:"))
	require.NoError(t, err)
	nodeB, err := NewStoreLimiter(client, WithPrefix("it:"))
	require.NoError(t, err)

	vA, err := nodeA.Admit(ctx, cred, limits, Request{})
	require.NoError(t, err)
	vB, err := nodeB.Admit(ctx, cred, limits, Request{})
	require.NoError(t, err)

	require.True(t, vA.Allowed() != vB.Allowed(), "exactly one of the two nodes must be allowed")
}

func TestStoreLimiter_ReconcileBoundsOvershoot(t *testing.T) {
	client := dialTestRedis(t)
	defer client.Close()

	limiter, err := NewStoreLimiter(client, WithPrefix("it:"))
	require.NoError(t, err)

	ctx := context.Background()
	cred := fmt.Sprintf("reconcile_test_%d", time.Now().UnixNano())
	limits := Limits{RPM: -1, ITPM: -1, OTPM: 100}

	v1, err := limiter.Admit(ctx, cred, limits, Request{EstimatedOutputTokens: 50})
	require.NoError(t, err)
	require.True(t, v1.Allowed())

	require.NoError(t, limiter.Reconcile(ctx, cred, v1.SubmitSecond, 10-50))

	v2, err := limiter.Admit(ctx, cred, limits, Request{EstimatedOutputTokens: 60})
	require.NoError(t, err)
	require.True(t, v2.Allowed())
}

func TestStoreLimiter_AdmitDeadlineIsStoreUnavailable(t *testing.T) {
	client := dialTestRedis(t)
	defer client.Close()

	limiter, err := NewStoreLimiter(client, WithPrefix("it:"), WithAdmitTimeout(time.Nanosecond))
	require.NoError(t, err)

	_, err = limiter.Admit(context.Background(), "deadline-test", Limits{RPM: 10, ITPM: -1, OTPM: -1}, Request{})
	require.Error(t, err)
	require.Equal(t, KindStoreUnavailable, ClassifyErr(err))
}
