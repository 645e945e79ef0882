package selector

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"proxy-pool/pkg/pool"
	"proxy-pool/pkg/provider"
)

// Selector hands out pool endpoints to consumers. Selection prefers the
// requested region when it can be served, falls back to the full valid pool
// otherwise, and balances load by picking among the least-recently-used
// endpoints.
type Selector struct {
	store   *pool.Store
	gateway *provider.Gateway
	logger  *slog.Logger

	// mu serializes the choose-and-mark step so that concurrent callers
	// cannot pick the same endpoint while unused ones remain.
	mu sync.Mutex

	regionFallbacks atomic.Int64
	exhaustedHits   atomic.Int64
	emptyHits       atomic.Int64
}

func NewSelector(store *pool.Store, gateway *provider.Gateway, logger *slog.Logger) *Selector {
	return &Selector{
		store:   store,
		gateway: gateway,
		logger:  logger,
	}
}

// Get selects one valid endpoint, refreshing the pool first if it is stale.
// The returned Descriptor is a caller-owned copy. The second return value is
// false when no valid endpoint exists; an unreachable supplier with a
// still-usable cached pool is not itself a selection failure.
func (s *Selector) Get(ctx context.Context, preferredRegion string) (pool.Descriptor, bool) {
	if err := s.gateway.Refresh(ctx, false); err != nil {
		s.logger.Debug("Refresh failed, selecting from cached pool",
			"poolSize", s.store.Len(),
			"error", err)
	}

	endpoints := s.store.Current()
	valid := make([]*pool.Endpoint, 0, len(endpoints))
	quarantined := 0
	for _, ep := range endpoints {
		if ep.State() == pool.StateValid {
			valid = append(valid, ep)
		} else {
			quarantined++
		}
	}

	if len(valid) == 0 {
		if quarantined > 0 {
			s.exhaustedHits.Add(1)
			s.logger.Warn("Pool exhausted, every endpoint is quarantined",
				"quarantined", quarantined)
		} else {
			s.emptyHits.Add(1)
			s.logger.Warn("Pool is empty, no endpoints available")
		}
		return pool.Descriptor{}, false
	}

	if preferredRegion != "" {
		regional := make([]*pool.Endpoint, 0, len(valid))
		for _, ep := range valid {
			if strings.EqualFold(ep.Region(), preferredRegion) {
				regional = append(regional, ep)
			}
		}
		if len(regional) > 0 {
			valid = regional
		} else {
			s.regionFallbacks.Add(1)
			s.logger.Info("No valid endpoints in preferred region, serving from full pool",
				"region", preferredRegion,
				"poolSize", len(valid))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chosen := pickLeastRecentlyUsed(valid)
	chosen.MarkUsed(time.Now())

	desc := chosen.Describe()
	s.logger.Debug("Endpoint selected",
		"endpoint", desc.ID,
		"region", desc.Region,
		"requestedRegion", preferredRegion)

	return desc, true
}

// pickLeastRecentlyUsed selects uniformly at random among the
// least-recently-used half of the candidates, so many concurrent callers
// don't all converge on the single oldest endpoint. Endpoints that were
// never handed out sort first and are exhausted before any endpoint is
// reused.
func pickLeastRecentlyUsed(candidates []*pool.Endpoint) *pool.Endpoint {
	if len(candidates) == 1 {
		return candidates[0]
	}

	type candidate struct {
		ep       *pool.Endpoint
		lastUsed time.Time
	}
	sorted := make([]candidate, len(candidates))
	for i, ep := range candidates {
		sorted[i] = candidate{ep: ep, lastUsed: ep.LastUsed()}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].lastUsed.Before(sorted[j].lastUsed)
	})

	window := (len(sorted) + 1) / 2
	if sorted[0].lastUsed.IsZero() {
		unused := 0
		for _, c := range sorted {
			if !c.lastUsed.IsZero() {
				break
			}
			unused++
		}
		if unused < window {
			window = unused
		}
	}

	return sorted[rand.Intn(window)].ep
}

// RegionFallbacks reports how many selections were served from the full
// pool because the requested region had no valid endpoints.
func (s *Selector) RegionFallbacks() int64 {
	return s.regionFallbacks.Load()
}

// ExhaustedHits reports how many selections found every endpoint
// quarantined.
func (s *Selector) ExhaustedHits() int64 {
	return s.exhaustedHits.Load()
}

// EmptyHits reports how many selections found the pool empty.
func (s *Selector) EmptyHits() int64 {
	return s.emptyHits.Load()
}
