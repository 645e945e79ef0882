package prober

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"proxy-pool/pkg/fetch"
	"proxy-pool/pkg/ipinfo"
	"proxy-pool/pkg/models"
	"proxy-pool/pkg/pool"

	"github.com/google/uuid"
)

// ProbeFunc issues one verification request to target through the given
// transport and returns the observed latency and response body.
type ProbeFunc func(ctx context.Context, transport, target string, timeout time.Duration) (time.Duration, []byte, error)

// Recorder persists probe observations. *database.DB implements it.
type Recorder interface {
	RecordProbe(ctx context.Context, result *models.ProbeResult) error
}

// Config holds the prober settings.
type Config struct {
	// TargetURL is the health-check target fetched through each endpoint.
	TargetURL string
	// Timeout bounds each individual probe (default 10s).
	Timeout time.Duration
	// Concurrency caps simultaneous probes during a sweep (default 10).
	Concurrency int
	// FailureThreshold is the consecutive-failure count at which an
	// endpoint is quarantined (default 3).
	FailureThreshold int
	// VerifyRegion enables an egress geography check on successful probes.
	VerifyRegion bool
	// Probe overrides the HTTP probe; nil uses the default.
	Probe ProbeFunc
}

// Prober verifies pool endpoints against the health-check target and keeps
// their failure counters and validity state up to date.
type Prober struct {
	store    *pool.Store
	config   Config
	logger   *slog.Logger
	recorder Recorder // nil disables observation recording
	probe    ProbeFunc
}

func NewProber(store *pool.Store, config Config, recorder Recorder, logger *slog.Logger) *Prober {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 10
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	probe := config.Probe
	if probe == nil {
		probe = defaultProbe
	}

	return &Prober{
		store:    store,
		config:   config,
		logger:   logger,
		recorder: recorder,
		probe:    probe,
	}
}

func defaultProbe(ctx context.Context, transport, target string, timeout time.Duration) (time.Duration, []byte, error) {
	result, err := fetch.Fetch(ctx, target, fetch.Options{
		Transport: transport,
		UserAgent: "proxy-pool-healthcheck/1.0",
		Timeout:   timeout,
	})
	if err != nil {
		return 0, nil, err
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		return 0, nil, fmt.Errorf("health check returned status %d", result.StatusCode)
	}
	return result.Latency, result.Body, nil
}

// TestOne probes a single endpoint. On success the endpoint's failure
// counter resets and it returns to service; on failure the counter is
// incremented and the endpoint is quarantined at the threshold.
func (p *Prober) TestOne(ctx context.Context, ep *pool.Endpoint) bool {
	return p.testOne(ctx, ep, "")
}

func (p *Prober) testOne(ctx context.Context, ep *pool.Endpoint, sweepID string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	latency, body, err := p.probe(probeCtx, ep.TransportURL(), p.config.TargetURL, p.config.Timeout)
	now := time.Now()

	if err != nil {
		state := ep.MarkFailure(p.config.FailureThreshold, now)
		p.logger.Debug("Probe failed",
			"endpoint", ep.ID(),
			"failures", ep.FailureCount(),
			"state", state,
			"error", err)
		if state == pool.StateQuarantined {
			p.logger.Info("Endpoint quarantined",
				"endpoint", ep.ID(),
				"region", ep.Region(),
				"failures", ep.FailureCount())
		}
		p.record(ctx, ep, sweepID, false, 0, err.Error(), now)
		return false
	}

	ep.MarkSuccess(latency, now)
	p.logger.Debug("Probe succeeded",
		"endpoint", ep.ID(),
		"latencyMs", latency.Milliseconds())

	if p.config.VerifyRegion {
		p.verifyExitRegion(ctx, ep, body)
	}

	p.record(ctx, ep, sweepID, true, latency, "", now)
	return true
}

func (p *Prober) record(ctx context.Context, ep *pool.Endpoint, sweepID string, healthy bool, latency time.Duration, errMsg string, now time.Time) {
	if p.recorder == nil {
		return
	}
	result := &models.ProbeResult{
		SweepID:    sweepID,
		EndpointID: ep.ID(),
		Region:     ep.Region(),
		Healthy:    healthy,
		LatencyMs:  latency.Milliseconds(),
		ErrorMsg:   errMsg,
		Time:       now,
	}
	if err := p.recorder.RecordProbe(ctx, result); err != nil {
		p.logger.Error("Failed to record probe result",
			"endpoint", ep.ID(),
			"error", err)
	}
}

// verifyExitRegion compares the egress IP reported by the health-check
// target against the region the supplier advertised for the endpoint.
// Sometimes the exit node sits behind a different geography than sold.
func (p *Prober) verifyExitRegion(ctx context.Context, ep *pool.Endpoint, body []byte) {
	exitIP := parseExitIP(body)
	if exitIP == "" {
		return
	}

	info, err := ipinfo.Lookup(ctx, exitIP)
	if err != nil {
		p.logger.Debug("Egress IP lookup failed",
			"endpoint", ep.ID(),
			"ip", exitIP,
			"error", err)
		return
	}

	if !strings.EqualFold(info.Country, ep.Region()) {
		p.logger.Warn("Egress region mismatch",
			"endpoint", ep.ID(),
			"advertised", ep.Region(),
			"observed", info.Country,
			"ip", exitIP)
	}
}

// parseExitIP extracts an IP address from a health-check response body.
// Supports plain-text responders (icanhazip, ifconfig.me) and the httpbin
// {"origin": "..."} format.
func parseExitIP(body []byte) string {
	text := strings.TrimSpace(string(body))
	if ip := net.ParseIP(text); ip != nil {
		return text
	}

	var origin struct {
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal(body, &origin); err != nil {
		return ""
	}
	// httpbin may report "client, proxy"
	first := strings.TrimSpace(strings.Split(origin.Origin, ",")[0])
	if net.ParseIP(first) != nil {
		return first
	}
	return ""
}

// SweepReport aggregates the outcome of one sweep.
type SweepReport struct {
	SweepID   string
	Started   time.Time
	Duration  time.Duration
	Probed    int
	Healthy   int
	Unhealthy int
	// Skipped counts endpoints not probed because the sweep deadline
	// passed before they were issued.
	Skipped int
}

// Sweep probes the given endpoints under the configured concurrency cap.
// A nil subset means the whole current pool. Quarantined endpoints are
// included so they can return to service. Individual probe failures never
// abort the sweep; a sweep deadline only stops issuing new probes, results
// already collected are kept.
func (p *Prober) Sweep(ctx context.Context, subset []*pool.Endpoint) SweepReport {
	if subset == nil {
		subset = p.store.Current()
	}

	report := SweepReport{
		SweepID: uuid.NewString(),
		Started: time.Now(),
	}

	p.logger.Info("Starting sweep",
		"sweepId", report.SweepID,
		"endpoints", len(subset),
		"concurrency", p.config.Concurrency)

	// In-flight probes are bounded by their own timeout and must not be
	// killed by the sweep deadline, so they run on a detached context.
	probeCtx := context.WithoutCancel(ctx)

	sem := make(chan struct{}, p.config.Concurrency)
	var wg sync.WaitGroup
	var healthy, unhealthy atomic.Int64

	for _, ep := range subset {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			report.Skipped++
			continue
		}
		if ctx.Err() != nil {
			<-sem
			report.Skipped++
			continue
		}

		wg.Add(1)
		go func(ep *pool.Endpoint) {
			defer wg.Done()
			defer func() { <-sem }()

			if p.testOne(probeCtx, ep, report.SweepID) {
				healthy.Add(1)
			} else {
				unhealthy.Add(1)
			}
		}(ep)
	}

	wg.Wait()

	report.Healthy = int(healthy.Load())
	report.Unhealthy = int(unhealthy.Load())
	report.Probed = report.Healthy + report.Unhealthy
	report.Duration = time.Since(report.Started)

	p.logger.Info("Sweep finished",
		"sweepId", report.SweepID,
		"probed", report.Probed,
		"healthy", report.Healthy,
		"unhealthy", report.Unhealthy,
		"skipped", report.Skipped,
		"durationMs", report.Duration.Milliseconds())

	return report
}
