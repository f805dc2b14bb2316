// Package watcher implements the single long-lived pub/sub
// subscription described by the core spec: it receives release
// notifications on one well-known channel and dispatches them into
// the process-wide signal queue, reconnecting on failure without
// requiring callers to poll.
package watcher

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/distlock/redisync/marshal"
	"github.com/distlock/redisync/signalqueue"
)

// ForeverRetries disables the reconnect attempt cap, matching the
// spec's :forever option.
const ForeverRetries = 0

const (
	firstRetryDelay      = 100 * time.Millisecond
	subsequentRetryDelay = time.Second
)

// Watcher owns exactly one subscription to channel, per the core
// spec's invariant that at most one Watcher subscription exists per
// process.
type Watcher struct {
	client  redis.UniversalClient
	channel string
	queue   *signalqueue.Queue
	logger  logr.Logger

	reconnectMax int
	marshaler    marshal.Marshaler[[]string]

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	pid     int
	stopped bool
	gaveUp  bool
}

// New creates a Watcher bound to channel. It does not start
// subscribing until Start is called.
func New(client redis.UniversalClient, channel string, queue *signalqueue.Queue, logger logr.Logger, reconnectMax int) *Watcher {
	return &Watcher{
		client:       client,
		channel:      channel,
		queue:        queue,
		logger:       logger,
		reconnectMax: reconnectMax,
		marshaler:    &marshal.JsonMarshaler[[]string]{},
		pid:          os.Getpid(),
	}
}

// Start begins the watch loop in a background goroutine. It is safe to
// call again after Stop, or after a fork (detected by pid change),
// which rebuilds the subscription and clears the signal queue, since
// the child process inherits no local waiters.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	currentPid := os.Getpid()
	if currentPid != w.pid {
		w.logger.Info("detected fork, rebuilding watcher", "oldPid", w.pid, "newPid", currentPid)
		w.pid = currentPid
		w.queue.Reset()
	}

	if w.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	w.stopped = false
	w.gaveUp = false

	go w.run(loopCtx)

	return nil
}

// Stop unsubscribes and stops the watch loop. If force is false and
// waiters are still queued, Stop refuses, per the spec's "refuses if
// waiters still queued unless force" rule.
func (w *Watcher) Stop(force bool) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	if !force && w.queue.Len() > 0 {
		w.mu.Unlock()
		return fmt.Errorf("redisync: cannot stop watcher with waiters still queued (use force)")
	}
	cancel := w.cancel
	done := w.done
	w.running = false
	w.stopped = true
	w.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Watching reports whether the watch loop is currently running (it may
// be between reconnect attempts).
func (w *Watcher) Watching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Ready reports whether the watcher has not given up reconnecting. Once
// it gives up (after exhausting reconnectMax attempts) it is no longer
// able to deliver wakeups, and blocked Lock calls only retry on their
// retry-after hint or give up at their block timeout until StartWatcher
// is called again.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.gaveUp
}

func (w *Watcher) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		close(w.done)
		w.mu.Unlock()
	}()

	retries := 0
	operation := func() error {
		err := w.subscribeAndDispatch(ctx)
		if err == nil || ctx.Err() != nil {
			// Clean exit: context cancellation, not a failure to retry.
			return backoff.Permanent(nil)
		}
		retries++
		w.logger.Error(err, "watcher subscription failed, reconnecting", "retry", retries)
		return err
	}

	policy := w.reconnectPolicy()
	notify := func(err error, delay time.Duration) {
		if err != nil {
			w.logger.V(1).Info("watcher reconnect backing off", "delay", delay)
		}
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		w.logger.Error(err, "giving up reconnecting watcher", "retries", retries)
		w.mu.Lock()
		w.gaveUp = true
		w.mu.Unlock()
	}
}

// reconnectPolicy builds the flat, two-step backoff curve the spec
// calls for (100ms for the first retry, 1s thereafter), wrapped with
// reconnectMax attempts unless reconnectMax is ForeverRetries.
// github.com/cenkalti/backoff/v4 has no pluggable-clock hook, so
// reconnect timing is real wall-clock time; tests drive the watcher
// through its observable behavior (Watching/Ready) rather than a
// mocked backoff tick.
func (w *Watcher) reconnectPolicy() backoff.BackOff {
	var policy backoff.BackOff = &backoffPolicy{}
	if w.reconnectMax != ForeverRetries {
		policy = backoff.WithMaxRetries(policy, uint64(w.reconnectMax))
	}
	return policy
}

// subscribeAndDispatch runs one subscription lifetime: subscribe,
// announce a resubscribe wakeup (to cover releases missed while
// offline), then dispatch messages until the subscription errors or
// the context is cancelled.
func (w *Watcher) subscribeAndDispatch(ctx context.Context) error {
	pubsub := w.client.Subscribe(ctx, w.channel)
	defer func() {
		if cerr := pubsub.Close(); cerr != nil {
			w.logger.Error(cerr, "failed to close watcher subscription")
		}
	}()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", w.channel, err)
	}

	// Wake every queued waiter so they re-poll: this covers releases
	// that happened while the watcher was offline, per the spec.
	w.queue.WakeAll()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel to %s closed", w.channel)
			}
			w.dispatch(ctx, msg.Payload)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, payload string) {
	var names []string
	if err := w.marshaler.Unmarshal(ctx, payload, &names); err != nil {
		w.logger.Error(err, "dropping malformed release message", "payload", payload)
		return
	}
	w.queue.Wake(names)
}

// backoffPolicy implements the flat two-step curve described in the
// spec (100ms once, then 1s) as a backoff.BackOff, since
// backoff.ExponentialBackOff's curve does not match it.
type backoffPolicy struct {
	attempts int
}

func (p *backoffPolicy) NextBackOff() time.Duration {
	p.attempts++
	if p.attempts == 1 {
		return firstRetryDelay
	}
	return subsequentRetryDelay
}

func (p *backoffPolicy) Reset() { p.attempts = 0 }

var _ backoff.BackOff = (*backoffPolicy)(nil)
