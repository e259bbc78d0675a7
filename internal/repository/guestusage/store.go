package guestusage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kailas-cloud/promptmeter/internal/db"
	domguest "github.com/kailas-cloud/promptmeter/internal/domain/guest"
)

// store is the consumer interface for guest counter persistence (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
	IncrBy(ctx context.Context, key string, val int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Store namespaces guest counters per visitor on top of the KV database.
// Keys follow {prefix}guest:{visitorID}:{counter}.
type Store struct {
	store  store
	prefix string
	ttl    time.Duration
}

// New creates a guest usage store. A zero ttl keeps counters until reset.
func New(s store, prefix string, ttl time.Duration) *Store {
	return &Store{store: s, prefix: prefix, ttl: ttl}
}

// Scoped returns the storage of a single visitor.
func (s *Store) Scoped(visitorID string) *Visitor {
	return &Visitor{parent: s, ns: s.namespace(visitorID)}
}

// Reset removes every counter of a visitor.
func (s *Store) Reset(ctx context.Context, visitorID string) error {
	ns := s.namespace(visitorID)
	keys := []string{ns + domguest.GenerateAttemptsKey, ns + domguest.RefineAttemptsKey}
	if err := s.store.Del(ctx, keys...); err != nil {
		return fmt.Errorf("guest reset %s: %w", visitorID, err)
	}
	return nil
}

// Visitors lists visitor IDs that currently hold counters.
func (s *Store) Visitors(ctx context.Context) ([]string, error) {
	keys, err := s.store.Scan(ctx, s.prefix+"guest:*")
	if err != nil {
		return nil, fmt.Errorf("guest scan: %w", err)
	}

	seen := make(map[string]struct{}, len(keys))
	var ids []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, s.prefix+"guest:")
		i := strings.LastIndex(rest, ":")
		if i <= 0 {
			continue
		}
		id := rest[:i]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) namespace(visitorID string) string {
	return s.prefix + "guest:" + visitorID + ":"
}

// Visitor implements the tracker's Storage for one visitor.
type Visitor struct {
	parent *Store
	ns     string
}

// Get returns the raw counter value. ok is false when the key does not exist.
func (v *Visitor) Get(ctx context.Context, key string) (string, bool, error) {
	data, err := v.parent.store.Get(ctx, v.ns+key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("guest GET %s: %w", key, err)
	}
	return string(data), true, nil
}

// Set writes a counter, refreshing its TTL.
func (v *Visitor) Set(ctx context.Context, key, value string) error {
	var err error
	if v.parent.ttl > 0 {
		err = v.parent.store.SetWithTTL(ctx, v.ns+key, []byte(value), v.parent.ttl)
	} else {
		err = v.parent.store.Set(ctx, v.ns+key, []byte(value))
	}
	if err != nil {
		return fmt.Errorf("guest SET %s: %w", key, err)
	}
	return nil
}

// Increment atomically adds delta to a counter and returns the new value,
// refreshing its TTL.
func (v *Visitor) Increment(ctx context.Context, key string, delta int) (int, error) {
	n, err := v.parent.store.IncrBy(ctx, v.ns+key, int64(delta))
	if err != nil {
		return 0, fmt.Errorf("guest INCRBY %s: %w", key, err)
	}
	if v.parent.ttl > 0 {
		if err := v.parent.store.Expire(ctx, v.ns+key, v.parent.ttl); err != nil {
			return 0, fmt.Errorf("guest EXPIRE %s: %w", key, err)
		}
	}
	return int(n), nil
}

// Remove deletes a counter.
func (v *Visitor) Remove(ctx context.Context, key string) error {
	if err := v.parent.store.Del(ctx, v.ns+key); err != nil {
		return fmt.Errorf("guest DEL %s: %w", key, err)
	}
	return nil
}
