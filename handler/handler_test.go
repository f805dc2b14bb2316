package handler

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/distlock/redisync/identity"
	"github.com/distlock/redisync/leasestore"
)

const testChannel = "handler-test:release"

func newHandlers(client redis.UniversalClient) map[string]Handler {
	store := leasestore.New(client)
	return map[string]Handler{
		"optimistic": NewOptimistic(store, testChannel, clock.New(), logr.Discard()),
		"scripted":   NewScripted(client, testChannel, clock.New(), logr.Discard()),
	}
}

func TestHandlers(t *testing.T) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:latest",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to create redis container: %v", err)
	}
	defer func() {
		if err := redisContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err.Error())
		}
	}()

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get container endpoint: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: endpoint})

	for name, h := range newHandlers(client) {
		t.Run(name, func(t *testing.T) {
			owner := identity.Owner("owner-a")
			other := identity.Owner("owner-b")

			t.Run("try lock on a free name succeeds and claims it", func(t *testing.T) {
				names := []string{randKey(name, "a")}
				ok, _, err := h.TryLock(ctx, names, owner, time.Minute)
				require.NoError(t, err)
				require.True(t, ok)

				locked, err := h.Locked(ctx, names)
				require.NoError(t, err)
				require.True(t, locked)
			})

			t.Run("try lock on a held name fails with a retry hint", func(t *testing.T) {
				names := []string{randKey(name, "b")}
				ok, _, err := h.TryLock(ctx, names, owner, time.Minute)
				require.NoError(t, err)
				require.True(t, ok)

				ok, retryAfter, err := h.TryLock(ctx, names, other, time.Minute)
				require.NoError(t, err)
				require.False(t, ok)
				require.Greater(t, retryAfter, time.Duration(0))
			})

			t.Run("try lock is all-or-nothing across multiple names", func(t *testing.T) {
				a := randKey(name, "c1")
				b := randKey(name, "c2")
				ok, _, err := h.TryLock(ctx, []string{a}, owner, time.Minute)
				require.NoError(t, err)
				require.True(t, ok)

				ok, _, err = h.TryLock(ctx, []string{a, b}, other, time.Minute)
				require.NoError(t, err)
				require.False(t, ok)

				// b must not have been left claimed by the failed attempt.
				ok, _, err = h.TryLock(ctx, []string{b}, other, time.Minute)
				require.NoError(t, err)
				require.True(t, ok)
			})

			t.Run("held by owner reports any and all correctly", func(t *testing.T) {
				a := randKey(name, "d1")
				b := randKey(name, "d2")
				ok, _, err := h.TryLock(ctx, []string{a, b}, owner, time.Minute)
				require.NoError(t, err)
				require.True(t, ok)

				any, all, err := h.HeldByOwner(ctx, []string{a, b}, owner)
				require.NoError(t, err)
				require.True(t, any)
				require.True(t, all)

				any, all, err = h.HeldByOwner(ctx, []string{a, b}, other)
				require.NoError(t, err)
				require.False(t, any)
				require.False(t, all)

				any, all, err = h.HeldByOwner(ctx, []string{a, randKey(name, "d3")}, owner)
				require.NoError(t, err)
				require.True(t, any)
				require.False(t, all)
			})

			t.Run("unlock releases only names owned by the caller and publishes", func(t *testing.T) {
				a := randKey(name, "e1")
				b := randKey(name, "e2")
				ok, _, err := h.TryLock(ctx, []string{a}, owner, time.Minute)
				require.NoError(t, err)
				require.True(t, ok)
				ok, _, err = h.TryLock(ctx, []string{b}, other, time.Minute)
				require.NoError(t, err)
				require.True(t, ok)

				released, err := h.Unlock(ctx, []string{a, b}, owner)
				require.NoError(t, err)
				require.ElementsMatch(t, []string{a}, released)

				locked, err := h.Locked(ctx, []string{a})
				require.NoError(t, err)
				require.False(t, locked)

				locked, err = h.Locked(ctx, []string{b})
				require.NoError(t, err)
				require.True(t, locked)
			})

			t.Run("unlock on a free name is a no-op", func(t *testing.T) {
				released, err := h.Unlock(ctx, []string{randKey(name, "f")}, owner)
				require.NoError(t, err)
				require.Empty(t, released)
			})

			t.Run("refresh extends a held lease and fails once released", func(t *testing.T) {
				names := []string{randKey(name, "g")}
				ok, _, err := h.TryLock(ctx, names, owner, time.Second)
				require.NoError(t, err)
				require.True(t, ok)

				ok, err = h.Refresh(ctx, names, owner, time.Minute)
				require.NoError(t, err)
				require.True(t, ok)

				_, err = h.Unlock(ctx, names, owner)
				require.NoError(t, err)

				ok, err = h.Refresh(ctx, names, owner, time.Minute)
				require.NoError(t, err)
				require.False(t, ok)
			})

			t.Run("refresh is all-or-nothing across multiple names", func(t *testing.T) {
				a := randKey(name, "h1")
				b := randKey(name, "h2")
				ok, _, err := h.TryLock(ctx, []string{a}, owner, time.Minute)
				require.NoError(t, err)
				require.True(t, ok)

				// b is not owned at all, so the all-or-nothing refresh
				// covering both names must fail without touching a.
				ok, err = h.Refresh(ctx, []string{a, b}, owner, time.Minute)
				require.NoError(t, err)
				require.False(t, ok)
			})
		})
	}
}

func randKey(handler, suffix string) string {
	return handler + ":" + suffix + ":" + time.Now().Format("150405.000000000")
}
