package cache

import (
	"context"

	"go.uber.org/zap"
)

// Tiered fronts an optional shared store (L2) with an in-process LRU (L1).
// L2 failures are logged and reported as misses.
type Tiered struct {
	l1     *LRU
	l2     Store
	logger *zap.Logger
}

func NewTiered(l1 *LRU, l2 Store, logger *zap.Logger) *Tiered {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiered{l1: l1, l2: l2, logger: logger}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok, _ := t.l1.Get(ctx, key); ok {
		return v, true, nil
	}
	if t.l2 == nil {
		return nil, false, nil
	}

	v, ok, err := t.l2.Get(ctx, key)
	if err != nil {
		t.logger.Warn("L2 cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}
	_ = t.l1.Put(ctx, key, v)
	return v, true, nil
}

func (t *Tiered) Put(ctx context.Context, key string, value []byte) error {
	if err := t.l1.Put(ctx, key, value); err != nil {
		return err
	}
	if t.l2 != nil {
		if err := t.l2.Put(ctx, key, value); err != nil {
			t.logger.Warn("L2 cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

func (t *Tiered) Invalidate(ctx context.Context, key string) error {
	if err := t.l1.Invalidate(ctx, key); err != nil {
		return err
	}
	if t.l2 != nil {
		if err := t.l2.Invalidate(ctx, key); err != nil {
			t.logger.Warn("L2 cache invalidate failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

func (t *Tiered) Stats() Stats {
	return t.l1.Stats()
}
