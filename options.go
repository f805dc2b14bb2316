package redisync

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"github.com/distlock/redisync/handler"
)

const defaultLeaseDuration = 24 * time.Hour

// defaultReconnectMax caps reconnect attempts by default; pass
// watcher.ForeverRetries explicitly via WithReconnectMax to retry
// forever instead.
const defaultReconnectMax = 10

type setupOptions struct {
	namespace        string
	leaseDuration    time.Duration
	handlerKind      handler.Kind
	reconnectMax     int
	clock            clock.Clock
	logger           logr.Logger
	autoStartWatcher bool
	poolSize         int
}

// SetupOption configures a Context at Setup time, following the
// functional-option pattern used throughout this module.
type SetupOption func(*setupOptions)

// WithDefaultNamespace sets the key and channel prefix every Mutex
// minted from this Context uses unless it overrides it with its own
// WithNamespace.
func WithDefaultNamespace(ns string) SetupOption {
	return func(o *setupOptions) { o.namespace = ns }
}

// WithDefaultLeaseDuration sets the lease duration every Mutex minted
// from this Context uses unless it overrides it with its own
// WithLeaseDuration.
func WithDefaultLeaseDuration(d time.Duration) SetupOption {
	return func(o *setupOptions) { o.leaseDuration = d }
}

// WithHandler pins the lock protocol instead of letting Setup probe
// for server-side scripting support.
func WithHandler(kind HandlerKind) SetupOption {
	return func(o *setupOptions) { o.handlerKind = kind }
}

// WithReconnectMax caps how many times the watcher retries a dropped
// subscription before giving up. The default is 10; pass
// watcher.ForeverRetries (0) to retry indefinitely.
func WithReconnectMax(n int) SetupOption {
	return func(o *setupOptions) { o.reconnectMax = n }
}

// WithClock overrides the clock used for lease timing and retry
// scheduling. Tests inject a clock.Mock; production code should leave
// this unset.
func WithClock(c clock.Clock) SetupOption {
	return func(o *setupOptions) { o.clock = c }
}

// WithLogger overrides the default stdr logger.
func WithLogger(l logr.Logger) SetupOption {
	return func(o *setupOptions) { o.logger = l }
}

// WithAutoStartWatcher starts the background pub/sub subscription as
// part of Setup instead of requiring a separate StartWatcher call.
func WithAutoStartWatcher() SetupOption {
	return func(o *setupOptions) { o.autoStartWatcher = true }
}

// WithPoolSize is informational only: it does not configure the
// redis.UniversalClient's own connection pool, which callers control
// when they construct that client. The value is stored in the
// Context's setup options and is not read by anything else.
func WithPoolSize(n int) SetupOption {
	return func(o *setupOptions) { o.poolSize = n }
}
