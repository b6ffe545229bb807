// Package catalog serves the product listing shown in the bot menus.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"nitro-bot/internal/metrics"
	"nitro-bot/internal/repo"
)

const keyPrefix = "catalog:"

// Store is the ledger subset the catalog reads.
type Store interface {
	ListCategories(ctx context.Context) ([]string, error)
	ListAvailableProducts(ctx context.Context, category string) ([]repo.Product, error)
}

// Cache is an optional JSON cache in front of the store.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// Catalog lists categories and available products, cached when a cache is configured.
type Catalog struct {
	store   Store
	cache   Cache
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New constructs a Catalog. cache may be nil.
func New(store Store, cache Cache, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *Catalog {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Catalog{
		store:   store,
		cache:   cache,
		ttl:     ttl,
		logger:  logger.With("component", "catalog"),
		metrics: m,
	}
}

// Categories returns the categories that still have available products.
func (c *Catalog) Categories(ctx context.Context) ([]string, error) {
	var out []string
	if c.lookup(ctx, keyPrefix+"categories", &out) {
		return out, nil
	}
	out, err := c.store.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	c.remember(ctx, keyPrefix+"categories", out)
	return out, nil
}

// Products returns available products in category, cheapest first.
func (c *Catalog) Products(ctx context.Context, category string) ([]repo.Product, error) {
	key := keyPrefix + "products:" + category
	var out []repo.Product
	if c.lookup(ctx, key, &out) {
		return out, nil
	}
	out, err := c.store.ListAvailableProducts(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	c.remember(ctx, key, out)
	return out, nil
}

// Invalidate drops every cached listing.
func (c *Catalog) Invalidate(ctx context.Context) {
	if c.cache == nil {
		return
	}
	if err := c.cache.DeleteByPrefix(ctx, keyPrefix); err != nil {
		c.logger.Warn("invalidate catalog cache failed", "error", err)
	}
}

func (c *Catalog) lookup(ctx context.Context, key string, dest any) bool {
	if c.cache == nil {
		return false
	}
	ok, err := c.cache.GetJSON(ctx, key, dest)
	if err != nil {
		c.logger.Warn("read catalog cache failed", "key", key, "error", err)
		c.observe("error")
		return false
	}
	if ok {
		c.observe("hit")
	} else {
		c.observe("miss")
	}
	return ok
}

func (c *Catalog) remember(ctx context.Context, key string, value any) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetJSON(ctx, key, value, c.ttl); err != nil {
		c.logger.Warn("set catalog cache failed", "key", key, "error", err)
	}
}

func (c *Catalog) observe(result string) {
	if c.metrics != nil {
		c.metrics.CatalogCacheLookups.WithLabelValues(result).Inc()
	}
}
