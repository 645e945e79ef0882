// Package manager assembles the pool store, provider gateway, selector and
// health prober into the single object a worker process constructs at start
// and injects into every consumer.
package manager

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"proxy-pool/pkg/database"
	"proxy-pool/pkg/models"
	"proxy-pool/pkg/pool"
	"proxy-pool/pkg/prober"
	"proxy-pool/pkg/provider"
	"proxy-pool/pkg/selector"
)

// Config holds the externally settable knobs of the pool manager.
type Config struct {
	// RefreshInterval is the pool TTL (default 30 minutes).
	RefreshInterval time.Duration
	// FailureThreshold quarantines an endpoint after this many
	// consecutive failures (default 3).
	FailureThreshold int
	// ProbeTimeout bounds each health probe (default 10s).
	ProbeTimeout time.Duration
	// ProbeConcurrency caps simultaneous probes in a sweep (default 10).
	ProbeConcurrency int
	// HealthCheckURL is the target fetched through each endpoint.
	HealthCheckURL string
	// VerifyRegion enables egress geography verification on probes.
	VerifyRegion bool
}

func (c *Config) applyDefaults() {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 30 * time.Minute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = 10
	}
	if c.HealthCheckURL == "" {
		c.HealthCheckURL = "http://icanhazip.com"
	}
}

// Manager is the process-wide proxy pool. One instance per process; no
// package-level singleton.
type Manager struct {
	config   Config
	store    *pool.Store
	gateway  *provider.Gateway
	selector *selector.Selector
	prober   *prober.Prober
	db       *database.DB // nil disables observation recording
	logger   *slog.Logger
}

func New(supplier provider.Supplier, config Config, db *database.DB, logger *slog.Logger) *Manager {
	config.applyDefaults()

	store := pool.NewStore()
	gateway := provider.NewGateway(supplier, store, config.RefreshInterval, logger)

	var recorder prober.Recorder
	if db != nil {
		recorder = db
	}

	return &Manager{
		config:   config,
		store:    store,
		gateway:  gateway,
		selector: selector.NewSelector(store, gateway, logger),
		prober: prober.NewProber(store, prober.Config{
			TargetURL:        config.HealthCheckURL,
			Timeout:          config.ProbeTimeout,
			Concurrency:      config.ProbeConcurrency,
			FailureThreshold: config.FailureThreshold,
			VerifyRegion:     config.VerifyRegion,
		}, recorder, logger),
		db:     db,
		logger: logger,
	}
}

// Request hands out one proxy endpoint, preferring the given region when it
// can be served. The empty result (ok == false) is a normal operating
// condition, not an error; callers apply their own backoff.
func (m *Manager) Request(ctx context.Context, preferredRegion string) (pool.Descriptor, bool) {
	desc, ok := m.selector.Get(ctx, preferredRegion)
	if !ok {
		return pool.Descriptor{}, false
	}

	if m.db != nil {
		fallback := preferredRegion != "" && !strings.EqualFold(desc.Region, preferredRegion)
		event := &models.SelectionEvent{
			EndpointID:      desc.ID,
			RegionRequested: preferredRegion,
			RegionServed:    desc.Region,
			Fallback:        fallback,
			Time:            time.Now(),
		}
		if err := m.db.RecordSelection(ctx, event); err != nil {
			m.logger.Error("Failed to record selection event",
				"endpoint", desc.ID,
				"error", err)
		}
	}

	return desc, true
}

// ReportFailure lets a consumer report a real-world failure on an endpoint
// it was handed, so the failure is not masked until the next sweep. The
// failure feeds the same counter the prober uses.
func (m *Manager) ReportFailure(ctx context.Context, endpointID, reason string) {
	ep := m.store.Find(endpointID)
	if ep == nil {
		// The endpoint was dropped by a refresh since it was handed out.
		m.logger.Debug("Failure reported for unknown endpoint",
			"endpoint", endpointID,
			"reason", reason)
		return
	}

	now := time.Now()
	state := ep.MarkFailure(m.config.FailureThreshold, now)
	m.logger.Info("Consumer reported endpoint failure",
		"endpoint", endpointID,
		"reason", reason,
		"failures", ep.FailureCount(),
		"state", state)

	if m.db != nil {
		result := &models.ProbeResult{
			SweepID:    "",
			EndpointID: endpointID,
			Region:     ep.Region(),
			Healthy:    false,
			ErrorMsg:   reason,
			Time:       now,
		}
		if err := m.db.RecordProbe(ctx, result); err != nil {
			m.logger.Error("Failed to record consumer failure report",
				"endpoint", endpointID,
				"error", err)
		}
	}
}

// Refresh forces or TTL-gates a pool refresh from the supplier.
func (m *Manager) Refresh(ctx context.Context, force bool) error {
	return m.gateway.Refresh(ctx, force)
}

// SweepNow runs one health sweep over the whole pool, quarantined
// endpoints included.
func (m *Manager) SweepNow(ctx context.Context) prober.SweepReport {
	return m.prober.Sweep(ctx, nil)
}

// Run executes periodic sweeps until the context is cancelled. Scheduling
// sweeps is otherwise the operator's responsibility; without a sweep,
// quarantined endpoints only leave the pool at the next supplier refresh.
func (m *Manager) Run(ctx context.Context, sweepInterval time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	m.logger.Info("Sweep scheduler started", "interval", sweepInterval)

	for {
		select {
		case <-ticker.C:
			m.SweepNow(ctx)
			stats := m.Stats()
			m.logger.Info("Pool status",
				"endpoints", stats.Endpoints,
				"valid", stats.Valid,
				"quarantined", stats.Quarantined,
				"regionFallbacks", stats.RegionFallbacks,
				"lastRefreshed", stats.LastRefreshed)
		case <-ctx.Done():
			m.logger.Info("Sweep scheduler stopped")
			return
		}
	}
}

// Stats is a point-in-time summary of the pool.
type Stats struct {
	Endpoints       int
	Valid           int
	Quarantined     int
	RegionFallbacks int64
	ExhaustedHits   int64
	EmptyHits       int64
	LastRefreshed   time.Time
}

func (m *Manager) Stats() Stats {
	stats := Stats{
		RegionFallbacks: m.selector.RegionFallbacks(),
		ExhaustedHits:   m.selector.ExhaustedHits(),
		EmptyHits:       m.selector.EmptyHits(),
		LastRefreshed:   m.store.LastRefreshed(),
	}
	for _, ep := range m.store.Current() {
		stats.Endpoints++
		if ep.State() == pool.StateValid {
			stats.Valid++
		} else {
			stats.Quarantined++
		}
	}
	return stats
}
