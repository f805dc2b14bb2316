// Package mutex implements the user-facing distributed advisory
// mutex: the Mutex Facade component of the core spec. It holds the
// namespaced resource names, lease and block timeouts, and owner
// identity for one lock, and delegates the acquire/release/refresh
// algorithms to a pluggable Handler.
package mutex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"github.com/distlock/redisync/handler"
	"github.com/distlock/redisync/identity"
	"github.com/distlock/redisync/signalqueue"
)

// Deps are the process-wide collaborators every Mutex needs, supplied
// by redisync.Context. Keeping this as a narrow struct rather than
// accepting the Context type directly avoids an import cycle between
// this package and the root package that constructs Mutexes.
type Deps struct {
	Handler   handler.Handler
	Queue     *signalqueue.Queue
	Process   identity.Process
	Clock     clock.Clock
	Logger    logr.Logger
	Namespace string
	Lease     time.Duration
}

// Mutex is an immutable list of full names plus the lease timeout,
// block timeout, and owner identity to use when locking them. Per the
// core spec, a Mutex is not itself safe against concurrent use from
// more than one caller driving the same instance through Lock/Unlock
// simultaneously (non-goal: thread-safety within a single process) --
// but its Sleep/Wakeup bookkeeping, which real Go goroutines can reach
// concurrently even in the scenarios the spec itself describes (S2,
// S6), is guarded with a mutex regardless, since leaving it racy would
// turn the documented non-goal into an actual crash.
type Mutex struct {
	handler   handler.Handler
	queue     *signalqueue.Queue
	clock     clock.Clock
	logger    logr.Logger
	names     []string
	namespace string
	lease     time.Duration
	block     *time.Duration
	owner     identity.Owner

	mu      sync.Mutex
	waiters map[uint64]chan struct{}
}

// New constructs a Mutex. ctx is used only to derive the default owner
// identity (via identity.CurrentTask) when WithOwner is not given; it
// is not retained.
func New(ctx context.Context, deps Deps, opts ...Option) (*Mutex, error) {
	if deps.Handler == nil || deps.Queue == nil {
		return nil, &ConfigurationError{Reason: "redisync.Setup must run before constructing a Mutex"}
	}

	o := options{
		leaseDuration: deps.Lease,
		namespace:     deps.Namespace,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.leaseDuration <= 0 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("lease duration must be > 0, got %s", o.leaseDuration)}
	}

	names := o.names
	if len(names) == 0 {
		names = []string{identity.NextAutoName()}
	}
	if err := validateNames(names); err != nil {
		return nil, err
	}

	ns := o.namespace
	full := make([]string, len(names))
	for i, n := range names {
		full[i] = fullName(ns, n)
	}

	owner := deps.Process.OwnerForTask(identity.CurrentTask(ctx))
	if o.owner != nil {
		owner = *o.owner
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Mutex{
		handler:   deps.Handler,
		queue:     deps.Queue,
		clock:     clk,
		logger:    deps.Logger,
		names:     full,
		namespace: ns,
		lease:     o.leaseDuration,
		block:     o.blockTimeout,
		owner:     owner,
		waiters:   make(map[uint64]chan struct{}),
	}, nil
}

func fullName(ns, name string) string {
	if ns == "" {
		return name
	}
	return fmt.Sprintf("%s:%s", ns, name)
}

func validateNames(names []string) error {
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			return &ConfigurationError{Reason: "resource name must not be empty"}
		}
		if _, ok := seen[n]; ok {
			return &ConfigurationError{Reason: fmt.Sprintf("duplicate resource name %q", n)}
		}
		seen[n] = struct{}{}
	}
	return nil
}

// Names returns the (namespace-qualified) full names this Mutex locks.
func (m *Mutex) Names() []string { return append([]string(nil), m.names...) }

// Namespace returns the namespace this Mutex was configured with.
func (m *Mutex) Namespace() string { return m.namespace }

// LeaseTimeout returns this Mutex's lease duration.
func (m *Mutex) LeaseTimeout() time.Duration { return m.lease }

// BlockTimeout returns this Mutex's default block timeout, or nil if
// it waits forever by default.
func (m *Mutex) BlockTimeout() *time.Duration { return m.block }

// Owner returns the owner identity this Mutex acquires locks as.
func (m *Mutex) Owner() identity.Owner { return m.owner }

// TryLock attempts a one-shot, non-blocking acquisition of every name.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	any, _, err := m.handler.HeldByOwner(ctx, m.names, m.owner)
	if err != nil {
		return false, fmt.Errorf("checking for reentrant hold: %w", err)
	}
	if any {
		return false, nil
	}

	acquired, _, err := m.handler.TryLock(ctx, m.names, m.owner, m.lease)
	if err != nil {
		return false, fmt.Errorf("try-lock: %w", err)
	}
	return acquired, nil
}

// Lock blocks until every name is acquired or the block timeout
// elapses. With no argument it uses this Mutex's configured block
// timeout, or waits forever if none was configured. It fails with a
// DeadlockError if the owner already holds any of the requested names.
func (m *Mutex) Lock(ctx context.Context, blockTimeout ...time.Duration) (bool, error) {
	timeout := m.block
	if len(blockTimeout) > 0 {
		timeout = &blockTimeout[0]
	}

	var deadline <-chan time.Time
	if timeout != nil {
		deadline = m.clock.After(*timeout)
	}

	for {
		any, _, err := m.handler.HeldByOwner(ctx, m.names, m.owner)
		if err != nil {
			return false, fmt.Errorf("checking for reentrant hold: %w", err)
		}
		if any {
			return false, &DeadlockError{Names: m.names, Owner: m.owner}
		}

		acquired, retryAfter, err := m.handler.TryLock(ctx, m.names, m.owner, m.lease)
		if err != nil {
			return false, fmt.Errorf("try-lock: %w", err)
		}
		if acquired {
			return true, nil
		}

		// Register against every requested name, not only the first:
		// a multi-lock should wake as soon as any one of its names
		// frees up, since the retry above re-attempts every name
		// anyway (core spec Open Question 1).
		reg := m.queue.Register(m.names)
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		ttlHint := m.clock.After(retryAfter)

		select {
		case <-reg.Wait():
		case <-ttlHint:
		case <-deadline:
			reg.Unregister()
			return false, nil
		case <-ctx.Done():
			reg.Unregister()
			return false, ctx.Err()
		}
		reg.Unregister()
	}
}

// Unlock releases every name this Mutex owns. It is a no-op if this
// Mutex does not currently own any of them.
func (m *Mutex) Unlock(ctx context.Context) error {
	_, err := m.UnlockNames(ctx)
	return err
}

// UnlockNames releases every name this Mutex owns and returns the
// names actually released (nil if none were).
func (m *Mutex) UnlockNames(ctx context.Context) ([]string, error) {
	released, err := m.handler.Unlock(ctx, m.names, m.owner)
	if err != nil {
		return released, fmt.Errorf("unlock: %w", err)
	}
	if len(released) == 0 {
		return nil, nil
	}
	return released, nil
}

// Locked reports whether any of this Mutex's names is currently held
// by anyone, with a live lease.
func (m *Mutex) Locked(ctx context.Context) (bool, error) {
	locked, err := m.handler.Locked(ctx, m.names)
	if err != nil {
		return false, fmt.Errorf("locked: %w", err)
	}
	return locked, nil
}

// Owned reports whether this Mutex's owner holds a live lease on every
// one of its names.
func (m *Mutex) Owned(ctx context.Context) (bool, error) {
	_, all, err := m.handler.HeldByOwner(ctx, m.names, m.owner)
	if err != nil {
		return false, fmt.Errorf("owned: %w", err)
	}
	return all, nil
}

// Refresh extends the lease deadline on every name. It returns false
// if ownership has already been lost. newExpire, if given, replaces
// this Mutex's configured lease duration for the refreshed deadline
// (the lease duration itself is not mutated for future calls).
func (m *Mutex) Refresh(ctx context.Context, newExpire ...time.Duration) (bool, error) {
	lease := m.lease
	if len(newExpire) > 0 {
		lease = newExpire[0]
	}
	ok, err := m.handler.Refresh(ctx, m.names, m.owner, lease)
	if err != nil {
		return false, fmt.Errorf("refresh: %w", err)
	}
	return ok, nil
}

// CanRefreshExpired reports whether this Mutex's handler is able to
// refresh a lease whose deadline has already passed, provided the
// stored owner still matches.
func (m *Mutex) CanRefreshExpired() bool {
	return m.handler.CanRefreshExpired()
}

// Synchronize locks, runs fn, and always unlocks afterward, including
// when fn panics. It fails with a TimeoutError if acquisition does not
// complete within blockTimeout (or this Mutex's configured block
// timeout, if blockTimeout is nil).
func (m *Mutex) Synchronize(ctx context.Context, blockTimeout *time.Duration, fn func(context.Context) error) error {
	start := m.clock.Now()

	var ok bool
	var err error
	if blockTimeout != nil {
		ok, err = m.Lock(ctx, *blockTimeout)
	} else {
		ok, err = m.Lock(ctx)
	}
	if err != nil {
		return err
	}
	if !ok {
		return &TimeoutError{Op: "synchronize", Elapsed: m.clock.Now().Sub(start)}
	}

	defer func() {
		if uerr := m.Unlock(ctx); uerr != nil {
			m.logger.Error(uerr, "failed to unlock after synchronize", "names", m.names)
		}
	}()

	return fn(ctx)
}

// Sleep releases the lock, suspends the calling task (identified by
// identity.CurrentTask(ctx)) until timeout elapses or another task
// wakes it via Wakeup, then reacquires the lock and, if fn is given,
// runs it while holding it. It fails with a TimeoutError if
// reacquisition does not complete within timeout. This is the full
// surface an external condition-variable type needs.
func (m *Mutex) Sleep(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if err := m.Unlock(ctx); err != nil {
		return err
	}

	task := identity.CurrentTask(ctx)
	ch := make(chan struct{})
	m.mu.Lock()
	m.waiters[task] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.waiters, task)
		m.mu.Unlock()
	}()

	select {
	case <-ch:
	case <-m.clock.After(timeout):
	case <-ctx.Done():
		return ctx.Err()
	}

	start := m.clock.Now()
	ok, err := m.Lock(ctx, timeout)
	if err != nil {
		return err
	}
	if !ok {
		return &TimeoutError{Op: "sleep reacquire", Elapsed: m.clock.Now().Sub(start)}
	}

	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// Wakeup resumes the task suspended in Sleep under this task id, if
// any. It is a no-op if that task is not currently suspended.
func (m *Mutex) Wakeup(task uint64) {
	m.mu.Lock()
	ch, ok := m.waiters[task]
	if ok {
		delete(m.waiters, task)
	}
	m.mu.Unlock()
	if ok {
		close(ch)
	}
}
