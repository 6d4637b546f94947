package util

import (
	"context"
	"time"
)

type KVWrapper[K comparable, V any] struct {
	Key   K
	Value V
}

// TimeLockMap is a keyed collection of TimeLocks sharing one refresh function
// and interval.
type TimeLockMap[K comparable, V any] struct {
	values   SyncMap[K, *TimeLock[KVWrapper[K, V]]]
	interval time.Duration
	refresh  func(ctx context.Context, val KVWrapper[K, V]) (KVWrapper[K, V], error)
}

func NewTimeLockMap[K comparable, V any](interval time.Duration, refresh func(ctx context.Context, val KVWrapper[K, V]) (KVWrapper[K, V], error)) *TimeLockMap[K, V] {
	return &TimeLockMap[K, V]{
		interval: interval,
		refresh:  refresh,
	}
}

func (tlm *TimeLockMap[K, V]) Get(ctx context.Context, key K) (V, error) {
	if cache, ok := tlm.values.Load(key); ok {
		val, err := cache.Get(ctx)
		return val.Value, err
	}
	tl := NewTimeLock(tlm.interval, func(ctx context.Context, val KVWrapper[K, V]) (KVWrapper[K, V], error) {
		val.Key = key
		return tlm.refresh(ctx, val)
	})
	tl, _ = tlm.values.LoadOrStore(key, tl)
	val, err := tl.Get(ctx)
	return val.Value, err
}
