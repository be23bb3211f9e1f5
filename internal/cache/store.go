package cache

import (
	"context"
	"time"
)

// Store is a content-addressed byte cache. A miss is (nil, false, nil);
// owners must treat any miss as a signal to recompute.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Invalidate(ctx context.Context, key string) error
}

type Entry struct {
	Key          string
	Value        []byte
	CreatedAt    time.Time
	LastAccessed time.Time
	Size         int64
}

type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Entries   int     `json:"entries"`
	Bytes     int64   `json:"bytes"`
	MaxBytes  int64   `json:"max_bytes"`
	HitRate   float64 `json:"hit_rate"`
}

func (s Stats) withHitRate() Stats {
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
