package cache

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Memo computes each key at most once while its value stays cached.
// Concurrent callers for the same key share one computation. Failed
// computations are not cached.
type Memo struct {
	store  Store
	group  singleflight.Group
	logger *zap.Logger
}

func NewMemo(store Store, logger *zap.Logger) *Memo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memo{store: store, logger: logger}
}

// Do returns the cached value for key, or runs compute and caches its
// result. hit reports whether this caller was served without computing.
// The shared computation does not inherit the cancellation of whichever
// caller started it; each caller stops waiting when its own ctx is done.
func (m *Memo) Do(ctx context.Context, key string, compute func(ctx context.Context) ([]byte, error)) (value []byte, hit bool, err error) {
	if v, ok := m.lookup(ctx, key); ok {
		return v, true, nil
	}

	computed := make(chan struct{})
	ch := m.group.DoChan(key, func() (interface{}, error) {
		sctx := context.WithoutCancel(ctx)
		if v, ok := m.lookup(sctx, key); ok {
			return v, nil
		}
		close(computed)
		v, err := compute(sctx)
		if err != nil {
			return nil, err
		}
		if err := m.store.Put(sctx, key, v); err != nil {
			m.logger.Warn("Failed to cache computed value", zap.String("key", key), zap.Error(err))
		}
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		hit = true
		select {
		case <-computed:
			hit = false
		default:
		}
		return cloneBytes(res.Val.([]byte)), hit, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (m *Memo) lookup(ctx context.Context, key string) ([]byte, bool) {
	v, ok, err := m.store.Get(ctx, key)
	if err != nil {
		m.logger.Warn("Cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return v, ok
}
