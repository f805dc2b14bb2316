package handler

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"github.com/distlock/redisync/identity"
	"github.com/distlock/redisync/leasestore"
	"github.com/distlock/redisync/marshal"
)

// gracePeriod multiplies the lease duration to compute the physical
// Redis TTL applied to each key. The logical deadline encoded in the
// value is what actually governs freeness (invariant 4); the grace
// period only needs to outlive that deadline so that a lease the
// client briefly considers "expired but not yet evicted" still exists
// for CanRefreshExpired-style recovery to observe it. The optimistic
// handler reports CanRefreshExpired() == false, per the spec, so the
// grace period here mainly guards against a key lingering forever if a
// process crashes mid-protocol.
const gracePeriod = 2

// pollFallback is the retry hint returned when no more precise
// deadline-derived hint is available (for example, a key vanished
// between our SETNX failure and our follow-up GET).
const pollFallback = 50 * time.Millisecond

// optimisticHandler implements Handler using only SETNX, GET, WATCH/
// MULTI/EXEC-guarded SET and DEL, and PUBLISH, per the core spec's
// "pure" handler: a handler usable against stores without server-side
// scripting.
type optimisticHandler struct {
	store     *leasestore.Store
	channel   string
	clock     clock.Clock
	logger    logr.Logger
	marshaler marshal.Marshaler[[]string]
}

// NewOptimistic constructs the optimistic, CAS-only Handler.
func NewOptimistic(store *leasestore.Store, channel string, clk clock.Clock, logger logr.Logger) Handler {
	return &optimisticHandler{
		store:     store,
		channel:   channel,
		clock:     clk,
		logger:    logger,
		marshaler: &marshal.JsonMarshaler[[]string]{},
	}
}

func (h *optimisticHandler) CanRefreshExpired() bool { return false }

func (h *optimisticHandler) HeldByOwner(ctx context.Context, names []string, owner identity.Owner) (any bool, all bool, err error) {
	now := h.clock.Now()
	all = true
	for _, name := range names {
		value, exists, gerr := h.store.Get(ctx, name)
		if gerr != nil {
			return false, false, gerr
		}
		if !exists {
			all = false
			continue
		}
		l, derr := decodeLease(value)
		if derr != nil {
			return false, false, derr
		}
		if l.Owner == owner && l.isLive(now) {
			any = true
		} else {
			all = false
		}
	}
	return any, all, nil
}

func (h *optimisticHandler) Locked(ctx context.Context, names []string) (bool, error) {
	now := h.clock.Now()
	for _, name := range names {
		value, exists, err := h.store.Get(ctx, name)
		if err != nil {
			return false, err
		}
		if !exists {
			continue
		}
		l, err := decodeLease(value)
		if err != nil {
			return false, err
		}
		if l.isLive(now) {
			return true, nil
		}
	}
	return false, nil
}

func (h *optimisticHandler) TryLock(ctx context.Context, names []string, owner identity.Owner, lease time.Duration) (bool, time.Duration, error) {
	now := h.clock.Now()
	deadline := now.Add(lease)
	value := encodeLease(owner, deadline)
	ttl := lease * gracePeriod

	var claimed []string
	rollback := func() {
		for _, name := range claimed {
			if derr := h.store.Del(ctx, name); derr != nil {
				h.logger.Error(derr, "rolling back partial multi-lock claim", "name", name)
			}
		}
	}

	for i, name := range names {
		ok, err := h.store.TrySetNX(ctx, name, value, ttl)
		if err != nil {
			rollback()
			return false, 0, err
		}
		if ok {
			claimed = append(claimed, name)
			continue
		}

		current, exists, err := h.store.Get(ctx, name)
		if err != nil {
			rollback()
			return false, 0, err
		}
		if !exists {
			// Raced: the holder released between our SETNX and our GET.
			rollback()
			return false, pollFallback, nil
		}

		cur, err := decodeLease(current)
		if err != nil {
			rollback()
			return false, 0, err
		}
		if cur.isLive(now) {
			rollback()
			hint := cur.Deadline.Sub(now)
			for _, rest := range names[i+1:] {
				raw, found, gerr := h.store.Get(ctx, rest)
				if gerr != nil || !found {
					continue
				}
				if l, derr := decodeLease(raw); derr == nil && l.isLive(now) && l.Deadline.Sub(now) < hint {
					hint = l.Deadline.Sub(now)
				}
			}
			return false, hint, nil
		}

		stole, err := h.store.StealIfExpired(ctx, name, func(raw string) bool {
			l, derr := decodeLease(raw)
			if derr != nil {
				return true
			}
			return !l.isLive(now)
		}, value, ttl)
		if errors.Is(err, leasestore.ErrConcurrentModification) {
			rollback()
			return false, pollFallback, nil
		}
		if err != nil {
			rollback()
			return false, 0, err
		}
		if !stole {
			rollback()
			return false, pollFallback, nil
		}
		claimed = append(claimed, name)
	}

	return true, 0, nil
}

func (h *optimisticHandler) Unlock(ctx context.Context, names []string, owner identity.Owner) ([]string, error) {
	var released []string
	for _, name := range names {
		ok, err := h.store.CompareAndDeleteIf(ctx, name, func(raw string) bool {
			l, derr := decodeLease(raw)
			return derr == nil && l.Owner == owner
		})
		if err != nil && !errors.Is(err, leasestore.ErrConcurrentModification) {
			return released, err
		}
		if ok {
			released = append(released, name)
		}
	}

	if len(released) > 0 {
		payload, err := h.marshaler.Marshal(ctx, released)
		if err != nil {
			return released, &ProtocolError{Reason: "marshalling released names", Err: err}
		}
		if err := h.store.Publish(ctx, h.channel, payload); err != nil {
			return released, err
		}
	}

	return released, nil
}

func (h *optimisticHandler) Refresh(ctx context.Context, names []string, owner identity.Owner, lease time.Duration) (bool, error) {
	now := h.clock.Now()
	newDeadline := now.Add(lease)
	newValue := encodeLease(owner, newDeadline)
	ttl := lease * gracePeriod

	// All-or-nothing: verify every name is still live and ours before
	// changing any of them, per the spec's refresh contract.
	for _, name := range names {
		value, exists, err := h.store.Get(ctx, name)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, nil
		}
		l, err := decodeLease(value)
		if err != nil {
			return false, err
		}
		if l.Owner != owner || !l.isLive(now) {
			return false, nil
		}
	}

	for _, name := range names {
		ok, err := h.store.CompareAndSetIf(ctx, name, func(raw string) bool {
			l, derr := decodeLease(raw)
			return derr == nil && l.Owner == owner && l.isLive(now)
		}, newValue, ttl)
		if errors.Is(err, leasestore.ErrConcurrentModification) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	return true, nil
}
