package cache

import (
	"context"
	"fmt"
	"time"

	"magsd/backend/internal/domain"
)

const catalogKeyPrefix = "catalog:"

type CatalogCache interface {
	Get(ctx context.Context, key string) ([]domain.CatalogItem, bool, error)
	Set(ctx context.Context, key string, items []domain.CatalogItem, ttl time.Duration) error
	// Invalidate drops every cached catalog view.
	Invalidate(ctx context.Context) error
}

// CatalogKey names the cache entry for a filtered catalog view.
func CatalogKey(filter domain.ItemFilter) string {
	if filter.IsZero() {
		return catalogKeyPrefix + "active"
	}
	return fmt.Sprintf("%sactive:%s:%s:%s", catalogKeyPrefix, filter.CategoryType, filter.GoldType, filter.Karat)
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) Get(_ context.Context, _ string) ([]domain.CatalogItem, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) Set(_ context.Context, _ string, _ []domain.CatalogItem, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) Invalidate(_ context.Context) error {
	return nil
}
