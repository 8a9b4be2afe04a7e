package cache

import (
	"context"
	"time"

	"chillitrade/backend/internal/domain"
)

type StatsCache interface {
	Get(ctx context.Context, key string) (*domain.GlobalStats, bool, error)
	Set(ctx context.Context, key string, value *domain.GlobalStats, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopStatsCache struct{}

func (NoopStatsCache) Get(_ context.Context, _ string) (*domain.GlobalStats, bool, error) {
	return nil, false, nil
}

func (NoopStatsCache) Set(_ context.Context, _ string, _ *domain.GlobalStats, _ time.Duration) error {
	return nil
}

func (NoopStatsCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
