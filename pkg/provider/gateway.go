package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proxy-pool/pkg/pool"
)

// Gateway keeps the pool store filled from a supplier on a TTL cadence.
// A refresh replaces the whole snapshot; on any supplier failure the pool
// keeps serving its last good snapshot (stale-but-available).
type Gateway struct {
	supplier Supplier
	store    *pool.Store
	ttl      time.Duration
	logger   *slog.Logger

	mu sync.Mutex // serializes supplier fetches
}

func NewGateway(supplier Supplier, store *pool.Store, ttl time.Duration, logger *slog.Logger) *Gateway {
	return &Gateway{
		supplier: supplier,
		store:    store,
		ttl:      ttl,
		logger:   logger,
	}
}

func (g *Gateway) fresh() bool {
	last := g.store.LastRefreshed()
	return !last.IsZero() && time.Since(last) < g.ttl
}

// Refresh replaces the pool from the supplier unless the current snapshot
// is still within its TTL. The unlocked freshness check keeps the fast path
// from blocking behind an in-flight fetch; callers that do need a refresh
// wait for the one fetch the lock admits and then observe its result.
func (g *Gateway) Refresh(ctx context.Context, force bool) error {
	if !force && g.fresh() {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !force && g.fresh() {
		return nil
	}

	records, err := g.supplier.FetchInventory(ctx)
	if err != nil {
		g.logger.Warn("Inventory fetch failed, keeping last good pool",
			"supplier", g.supplier.Name(),
			"poolSize", g.store.Len(),
			"error", err)
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if len(records) == 0 {
		g.logger.Warn("Supplier returned empty inventory, keeping last good pool",
			"supplier", g.supplier.Name(),
			"poolSize", g.store.Len())
		return fmt.Errorf("%w: empty inventory", ErrProviderUnavailable)
	}

	endpoints := make([]*pool.Endpoint, 0, len(records))
	for _, r := range records {
		if r.Host == "" || r.Port <= 0 {
			g.logger.Debug("Skipping malformed inventory record",
				"host", r.Host,
				"port", r.Port)
			continue
		}
		endpoints = append(endpoints, pool.NewEndpoint(r.Host, r.Port, r.Username, r.Password, r.Region))
	}
	if len(endpoints) == 0 {
		return fmt.Errorf("%w: no usable records in inventory", ErrProviderUnavailable)
	}

	g.store.Replace(endpoints, time.Now())
	g.logger.Info("Pool replaced from supplier",
		"supplier", g.supplier.Name(),
		"endpoints", len(endpoints))

	return nil
}
