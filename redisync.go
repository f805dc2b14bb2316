// Package redisync provides a distributed, advisory, multi-name mutex
// over Redis, generalizing the single-key lock a Redis client alone
// can offer into named resource groups, lease-based expiration with
// explicit refresh, pub/sub wakeups instead of polling, and a choice
// of optimistic (CAS-only) or server-side-scripted lock protocols.
//
// A process calls Setup once to build a Context bound to a
// redis.UniversalClient, starts its Watcher, and then mints Mutex
// instances from that Context for each resource or resource group it
// needs to guard.
package redisync

import (
	"context"
	"fmt"
	"log"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/redis/go-redis/v9"

	"github.com/distlock/redisync/handler"
	"github.com/distlock/redisync/identity"
	"github.com/distlock/redisync/leasestore"
	"github.com/distlock/redisync/mutex"
	"github.com/distlock/redisync/signalqueue"
	"github.com/distlock/redisync/watcher"
)

// Re-exported so callers never need to import the internal packages
// that actually define these types.
type (
	ConfigurationError = mutex.ConfigurationError
	DeadlockError      = mutex.DeadlockError
	TimeoutError       = mutex.TimeoutError
	ProtocolError      = handler.ProtocolError
	Option             = mutex.Option
	Handler            = handler.Handler
	HandlerKind        = handler.Kind
)

const (
	AutoHandler   = handler.Auto
	PureHandler   = handler.Pure
	ScriptHandler = handler.Script
)

var (
	WithNames         = mutex.WithNames
	WithName          = mutex.WithName
	WithBlockTimeout  = mutex.WithBlockTimeout
	WithLeaseDuration = mutex.WithLeaseDuration
	WithNamespace     = mutex.WithNamespace
	WithOwner         = mutex.WithOwner
)

// NewTaskHandle and CurrentTask are re-exported from identity so
// callers never need to import it directly to thread task identity
// through a context.
var (
	NewTaskHandle = identity.NewTaskHandle
	CurrentTask   = identity.CurrentTask
)

// Context is the process-wide handle Setup returns: it owns the
// chosen lock-protocol Handler, the signal queue every Mutex shares,
// and the Watcher that feeds release notifications into it.
type Context struct {
	client    redis.UniversalClient
	handler   handler.Handler
	queue     *signalqueue.Queue
	process   identity.Process
	clock     clock.Clock
	logger    logr.Logger
	watcher   *watcher.Watcher
	namespace string
	opts      setupOptions
}

// Setup builds a Context bound to client. By default it probes for
// server-side scripting support and uses the scripted handler if
// available, falling back to the optimistic handler otherwise; pass
// WithHandler to pin one explicitly.
func Setup(ctx context.Context, client redis.UniversalClient, opts ...SetupOption) (*Context, error) {
	o := setupOptions{
		namespace:        "redisync",
		leaseDuration:    defaultLeaseDuration,
		handlerKind:      handler.Auto,
		reconnectMax:     defaultReconnectMax,
		clock:            clock.New(),
		logger:           stdr.New(log.Default()),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.leaseDuration <= 0 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("default lease duration must be > 0, got %s", o.leaseDuration)}
	}

	kind := o.handlerKind
	if kind == handler.Auto {
		if handler.ProbeScriptingSupport(ctx, client) {
			kind = handler.Script
		} else {
			kind = handler.Pure
		}
	}

	channel := handler.ReleaseChannel(o.namespace)

	var h handler.Handler
	switch kind {
	case handler.Pure:
		store := leasestore.New(client)
		h = handler.NewOptimistic(store, channel, o.clock, o.logger)
	case handler.Script:
		h = handler.NewScripted(client, channel, o.clock, o.logger)
	default:
		return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown handler kind %v", kind)}
	}

	queue := signalqueue.New()
	c := &Context{
		client:    client,
		handler:   h,
		queue:     queue,
		process:   identity.NewProcess(),
		clock:     o.clock,
		logger:    o.logger,
		namespace: o.namespace,
		opts:      o,
	}
	c.watcher = watcher.New(client, channel, queue, o.logger, o.reconnectMax)

	if o.autoStartWatcher {
		if err := c.StartWatcher(ctx); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// NewMutex mints a Mutex bound to this Context's handler, queue, and
// process identity. WithNamespace/WithLeaseDuration override this
// Context's defaults for just this Mutex.
func (c *Context) NewMutex(ctx context.Context, opts ...Option) (*mutex.Mutex, error) {
	deps := mutex.Deps{
		Handler:   c.handler,
		Queue:     c.queue,
		Process:   c.process,
		Clock:     c.clock,
		Logger:    c.logger,
		Namespace: c.namespace,
		Lease:     c.opts.leaseDuration,
	}
	return mutex.New(ctx, deps, opts...)
}

// StartWatcher starts this Context's background pub/sub subscription,
// so blocked Lock calls wake immediately on release instead of relying
// solely on their retry-after hint. Safe to call more than once.
func (c *Context) StartWatcher(ctx context.Context) error {
	return c.watcher.Start(ctx)
}

// StopWatcher stops the background subscription. It refuses if
// waiters are still queued unless force is true.
func (c *Context) StopWatcher(ctx context.Context, force bool) error {
	return c.watcher.Stop(force)
}

// Watching reports whether the background subscription is currently
// running.
func (c *Context) Watching() bool {
	return c.watcher.Watching()
}

// Ready reports whether the watcher has not given up reconnecting
// after exhausting WithReconnectMax attempts.
func (c *Context) Ready() bool {
	return c.watcher.Ready()
}

// Handler reports which lock protocol this Context actually selected,
// resolving Auto to the concrete kind it probed into.
func (c *Context) Handler() HandlerKind {
	if c.handler.CanRefreshExpired() {
		return handler.Script
	}
	return handler.Pure
}

// CanRefreshExpired reports whether this Context's handler can
// refresh a lease whose deadline has already passed, provided the
// stored owner still matches.
func (c *Context) CanRefreshExpired() bool {
	return c.handler.CanRefreshExpired()
}
