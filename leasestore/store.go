// Package leasestore implements the raw, non-scripted Redis primitives
// the optimistic lock handler builds on: set-if-absent, guarded
// get-and-set, compare-and-delete, and compare-and-set. Set-if-absent
// is a plain SETNX; the guarded operations are implemented with
// WATCH/MULTI/EXEC since the optimistic handler may run against a
// store without server-side scripting support.
//
// This is a transformation of the teacher's mapp.Mapp: where Mapp was
// a generic, marshaled key/value store with unconditional Get/Set/Del,
// Store trades away genericity and marshaling for the raw string
// values, per-key TTLs, and compare-and-swap semantics a lease needs.
package leasestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"time"
)

// Store is a thin view over a Redis client's flat keyspace, specialized
// for lease values rather than arbitrary marshaled types. Callers pass
// already-namespaced keys in: namespacing is owned by the mutex facade
// (mutex.fullName), not by this store, so there is exactly one place in
// the module that prefixes a resource name.
type Store struct {
	client redis.UniversalClient
}

// New creates a Store.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// TrySetNX attempts to claim key with value, atomically applying ttl
// as an expiry. Returns false, nil if the key was already present.
func (s *Store) TrySetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx key=%s: %w", key, err)
	}
	return ok, nil
}

// Get reads the raw value stored at key. ok is false if the key does
// not exist.
func (s *Store) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get key=%s: %w", key, err)
	}
	return v, true, nil
}

// Del unconditionally removes key. Used for rollback of a partially
// claimed multi-lock attempt.
func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del key=%s: %w", key, err)
	}
	return nil
}

// ErrConcurrentModification is returned by the guarded operations below
// when a concurrent writer changed key between the WATCH and the EXEC,
// causing the transaction to abort. Callers should treat this as an
// ordinary claim failure, not a protocol error.
var ErrConcurrentModification = errors.New("leasestore: concurrent modification")

// StealIfExpired reads key, and if the stored value satisfies
// isExpired, atomically replaces it with newValue and sets ttl as the
// new expiry, aborting if another writer touched the key in the
// meantime. Returns false, nil if the key is present but not expired,
// or ErrConcurrentModification if a concurrent writer raced it.
func (s *Store) StealIfExpired(ctx context.Context, key string, isExpired func(string) bool, newValue string, ttl time.Duration) (bool, error) {
	return s.CompareAndSetIf(ctx, key, isExpired, newValue, ttl)
}

// CompareAndDeleteIf deletes key only if its current value satisfies
// matches, aborting if a concurrent writer raced it. A missing key is
// treated as already deleted: matches is not called and the method
// returns false, nil.
func (s *Store) CompareAndDeleteIf(ctx context.Context, key string, matches func(string) bool) (bool, error) {
	deleted := false
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get key=%s: %w", key, err)
		}
		if !matches(current) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}
		deleted = true
		return nil
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, ErrConcurrentModification
	}
	if err != nil {
		return false, fmt.Errorf("watch key=%s: %w", key, err)
	}
	return deleted, nil
}

// CompareAndSetIf replaces key's value with newValue and applies ttl
// as its new expiry only if the current value satisfies matches (or
// the key is absent, for the set-if-absent-or-matching case callers
// like StealIfExpired rely on), aborting if a concurrent writer raced
// it.
func (s *Store) CompareAndSetIf(ctx context.Context, key string, matches func(string) bool, newValue string, ttl time.Duration) (bool, error) {
	set := false
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("get key=%s: %w", key, err)
		}
		if err == nil && !matches(current) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newValue, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		set = true
		return nil
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, ErrConcurrentModification
	}
	if err != nil {
		return false, fmt.Errorf("watch key=%s: %w", key, err)
	}
	return set, nil
}

// Publish publishes payload on channel. Exposed here, rather than
// requiring handlers to reach past the store into the raw client, so
// that every write path the optimistic handler takes goes through one
// narrow interface.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish channel=%s: %w", channel, err)
	}
	return nil
}
