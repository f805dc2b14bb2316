package mutex

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/distlock/redisync/handler"
	"github.com/distlock/redisync/identity"
	"github.com/distlock/redisync/leasestore"
	"github.com/distlock/redisync/signalqueue"
)

const testNamespace = "redisync-test"

// harness bundles together everything a test needs to construct Mutex
// instances against a live Redis container, mirroring the teacher's
// single testcontainers setup shared across subtests.
type harness struct {
	client redis.UniversalClient
	queue  *signalqueue.Queue
	proc   identity.Process
	clk    *clock.Mock
}

func newHarness(t *testing.T, client redis.UniversalClient, h handler.Handler) *harness {
	t.Helper()
	return &harness{
		client: client,
		queue:  signalqueue.New(),
		proc:   identity.NewProcess(),
		clk:    clock.NewMock(),
	}
}

func (h *harness) newMutex(t *testing.T, hnd handler.Handler, opts ...Option) *Mutex {
	t.Helper()
	deps := Deps{
		Handler:   hnd,
		Queue:     h.queue,
		Process:   h.proc,
		Clock:     h.clk,
		Logger:    logr.Discard(),
		Namespace: testNamespace,
		Lease:     time.Minute,
	}
	m, err := New(context.Background(), deps, opts...)
	require.NoError(t, err)
	return m
}

func randomName() string {
	letters := []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	b := make([]rune, 20)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

var errLockNotAcquired = errors.New("lock not acquired")

// runBothHandlers runs fn once per Handler kind so every Mutex-level
// behavior is exercised against both the optimistic and scripted
// protocols, per the core spec's requirement that they be
// interchangeable.
func runBothHandlers(t *testing.T, client redis.UniversalClient, fn func(t *testing.T, h handler.Handler)) {
	t.Run("optimistic", func(t *testing.T) {
		store := leasestore.New(client)
		h := handler.NewOptimistic(store, handler.ReleaseChannel(testNamespace), clock.New(), logr.Discard())
		fn(t, h)
	})
	t.Run("scripted", func(t *testing.T) {
		h := handler.NewScripted(client, handler.ReleaseChannel(testNamespace), clock.New(), logr.Discard())
		fn(t, h)
	})
}

func TestMutex(t *testing.T) {
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

	runBothHandlers(t, client, func(t *testing.T, hnd handler.Handler) {
		t.Run("try lock when free succeeds", func(t *testing.T) {
			h := newHarness(t, client, hnd)
			m := h.newMutex(t, hnd, WithName(randomName()))
			ok, err := m.TryLock(ctx)
			require.NoError(t, err)
			require.True(t, ok)
		})

		t.Run("try lock when taken fails", func(t *testing.T) {
			h := newHarness(t, client, hnd)
			name := randomName()
			m1 := h.newMutex(t, hnd, WithName(name))
			ok, err := m1.TryLock(ctx)
			require.NoError(t, err)
			require.True(t, ok)

			h2 := newHarness(t, client, hnd)
			m2 := h2.newMutex(t, hnd, WithName(name))
			ok, err = m2.TryLock(ctx)
			require.NoError(t, err)
			require.False(t, ok)
		})

		t.Run("same owner re-locking fails with deadlock, not a grant", func(t *testing.T) {
			h := newHarness(t, client, hnd)
			name := randomName()
			m := h.newMutex(t, hnd, WithName(name))
			ok, err := m.TryLock(ctx)
			require.NoError(t, err)
			require.True(t, ok)

			// TryLock: no error, just refused.
			ok, err = m.TryLock(ctx)
			require.NoError(t, err)
			require.False(t, ok)

			// Lock: explicit DeadlockError.
			_, err = m.Lock(ctx, time.Millisecond)
			require.Error(t, err)
			var deadlock *DeadlockError
			require.ErrorAs(t, err, &deadlock)
		})

		t.Run("unlock when held releases and returns the released names", func(t *testing.T) {
			h := newHarness(t, client, hnd)
			name := randomName()
			m := h.newMutex(t, hnd, WithName(name))
			ok, err := m.TryLock(ctx)
			require.NoError(t, err)
			require.True(t, ok)

			released, err := m.UnlockNames(ctx)
			require.NoError(t, err)
			require.Equal(t, m.Names(), released)
		})

		t.Run("unlock when free is a no-op", func(t *testing.T) {
			h := newHarness(t, client, hnd)
			m := h.newMutex(t, hnd, WithName(randomName()))
			err := m.Unlock(ctx)
			require.NoError(t, err)
		})

		t.Run("multi-name lock is all-or-nothing", func(t *testing.T) {
			h := newHarness(t, client, hnd)
			a, b := randomName(), randomName()

			holder := h.newMutex(t, hnd, WithName(a))
			ok, err := holder.TryLock(ctx)
			require.NoError(t, err)
			require.True(t, ok)

			h2 := newHarness(t, client, hnd)
			both := h2.newMutex(t, hnd, WithNames(a, b))
			ok, err = both.TryLock(ctx)
			require.NoError(t, err)
			require.False(t, ok)

			// b must have been rolled back, not left claimed.
			h3 := newHarness(t, client, hnd)
			onlyB := h3.newMutex(t, hnd, WithName(b))
			ok, err = onlyB.TryLock(ctx)
			require.NoError(t, err)
			require.True(t, ok)
		})

		t.Run("locked reports held state independent of owner", func(t *testing.T) {
			h := newHarness(t, client, hnd)
			name := randomName()
			m := h.newMutex(t, hnd, WithName(name))
			locked, err := m.Locked(ctx)
			require.NoError(t, err)
			require.False(t, locked)

			ok, err := m.TryLock(ctx)
			require.NoError(t, err)
			require.True(t, ok)

			h2 := newHarness(t, client, hnd)
			other := h2.newMutex(t, hnd, WithName(name))
			locked, err = other.Locked(ctx)
			require.NoError(t, err)
			require.True(t, locked)
		})

		t.Run("refresh extends a held lease and fails once lost", func(t *testing.T) {
			h := newHarness(t, client, hnd)
			name := randomName()
			m := h.newMutex(t, hnd, WithName(name), WithLeaseDuration(time.Hour))
			ok, err := m.TryLock(ctx)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = m.Refresh(ctx)
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, m.Unlock(ctx))

			ok, err = m.Refresh(ctx)
			require.NoError(t, err)
			require.False(t, ok)
		})

		t.Run("owned reflects current ownership of every name", func(t *testing.T) {
			h := newHarness(t, client, hnd)
			m := h.newMutex(t, hnd, WithName(randomName()))
			owned, err := m.Owned(ctx)
			require.NoError(t, err)
			require.False(t, owned)

			ok, err := m.TryLock(ctx)
			require.NoError(t, err)
			require.True(t, ok)

			owned, err = m.Owned(ctx)
			require.NoError(t, err)
			require.True(t, owned)
		})

		t.Run("lock blocks and wakes on release", func(t *testing.T) {
			h := newHarness(t, client, hnd)
			name := randomName()
			holder := h.newMutex(t, hnd, WithName(name))
			ok, err := holder.TryLock(ctx)
			require.NoError(t, err)
			require.True(t, ok)

			h2 := newHarness(t, client, hnd)
			waiter := h2.newMutex(t, hnd, WithName(name))

			acquired := make(chan error, 1)
			go func() {
				ok, err := waiter.Lock(ctx, 10*time.Second)
				if err != nil {
					acquired <- err
					return
				}
				if !ok {
					acquired <- errLockNotAcquired
					return
				}
				acquired <- nil
			}()

			time.Sleep(50 * time.Millisecond)
			require.NoError(t, holder.Unlock(ctx))
			// Deliver the wakeup directly through the shared queue,
			// since this test does not run a live watcher.Watcher.
			h2.queue.Wake(waiter.Names())

			select {
			case err := <-acquired:
				require.NoError(t, err)
			case <-time.After(10 * time.Second):
				t.Fatal("timed out waiting for blocked Lock to acquire")
			}
		})

		t.Run("lock gives up when context is cancelled", func(t *testing.T) {
			h := newHarness(t, client, hnd)
			name := randomName()
			holder := h.newMutex(t, hnd, WithName(name))
			ok, err := holder.TryLock(ctx)
			require.NoError(t, err)
			require.True(t, ok)

			h2 := newHarness(t, client, hnd)
			waiter := h2.newMutex(t, hnd, WithName(name))
			lockCtx, cancel := context.WithCancel(ctx)

			done := make(chan error, 1)
			go func() {
				_, err := waiter.Lock(lockCtx)
				done <- err
			}()

			time.Sleep(20 * time.Millisecond)
			cancel()

			select {
			case err := <-done:
				require.Error(t, err)
			case <-time.After(10 * time.Second):
				t.Fatal("timed out waiting for cancelled Lock to give up")
			}
		})

		t.Run("synchronize runs fn while held and always unlocks", func(t *testing.T) {
			h := newHarness(t, client, hnd)
			m := h.newMutex(t, hnd, WithName(randomName()))

			ran := false
			err := m.Synchronize(ctx, nil, func(ctx context.Context) error {
				ran = true
				owned, err := m.Owned(ctx)
				require.NoError(t, err)
				require.True(t, owned)
				return nil
			})
			require.NoError(t, err)
			require.True(t, ran)

			locked, err := m.Locked(ctx)
			require.NoError(t, err)
			require.False(t, locked)
		})
	})
}
