package mutex

import (
	"time"

	"github.com/distlock/redisync/identity"
)

type options struct {
	names         []string
	blockTimeout  *time.Duration
	leaseDuration time.Duration
	namespace     string
	owner         *identity.Owner
}

// Option configures a Mutex at construction time, following the
// teacher's functional-option pattern (mutex.Option in the original
// single-key mutex generalizes directly).
type Option func(*options)

// WithNames sets the resource names this Mutex covers. Required unless
// WithName is used, or no name is given at all, in which case one is
// auto-generated.
func WithNames(names ...string) Option {
	return func(o *options) { o.names = names }
}

// WithName is a convenience wrapper around WithNames for the common
// single-name case.
func WithName(name string) Option {
	return WithNames(name)
}

// WithBlockTimeout sets how long Lock waits by default when no
// per-call timeout is given. Without this option Lock waits forever;
// a zero duration makes Lock return false after its first failed
// attempt.
func WithBlockTimeout(d time.Duration) Option {
	return func(o *options) { o.blockTimeout = &d }
}

// WithLeaseDuration overrides the Context's default lease duration for
// this Mutex. Must be greater than zero.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *options) { o.leaseDuration = d }
}

// WithNamespace overrides the Context's default namespace for this
// Mutex.
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithOwner overrides the default owner identity, letting a group of
// tasks (for example, every goroutine servicing one inbound
// connection) share ownership of the same lock.
func WithOwner(owner identity.Owner) Option {
	return func(o *options) { o.owner = &owner }
}
