package manager

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"proxy-pool/pkg/prober"
	"proxy-pool/pkg/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, records []provider.Record) *Manager {
	t.Helper()

	supplier, err := provider.NewSupplier(provider.Config{
		System:  provider.SystemStatic,
		Records: records,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewSupplier() error = %v", err)
	}

	return New(supplier, Config{
		RefreshInterval:  time.Hour,
		FailureThreshold: 3,
	}, nil, testLogger())
}

func testRecords() []provider.Record {
	return []provider.Record{
		{Host: "10.0.0.1", Port: 1080, Username: "u", Password: "p", Region: "US"},
		{Host: "10.0.0.2", Port: 1080, Username: "u", Password: "p", Region: "DE"},
	}
}

func TestRequestFillsPoolOnFirstUse(t *testing.T) {
	m := newTestManager(t, testRecords())

	desc, ok := m.Request(context.Background(), "")
	if !ok {
		t.Fatal("Request() returned no endpoint")
	}
	if desc.Host == "" || desc.Port == 0 || desc.Username == "" {
		t.Errorf("Request() returned incomplete descriptor: %+v", desc)
	}

	stats := m.Stats()
	if stats.Endpoints != 2 {
		t.Errorf("Stats().Endpoints = %d, want 2", stats.Endpoints)
	}
	if stats.LastRefreshed.IsZero() {
		t.Error("pool not refreshed on first use")
	}
}

func TestRequestPreferredRegion(t *testing.T) {
	m := newTestManager(t, testRecords())

	desc, ok := m.Request(context.Background(), "DE")
	if !ok {
		t.Fatal("Request() returned no endpoint")
	}
	if desc.Region != "DE" {
		t.Errorf("Request(DE) region = %s, want DE", desc.Region)
	}
}

func TestReportFailureQuarantinesEndpoint(t *testing.T) {
	m := newTestManager(t, testRecords())

	desc, ok := m.Request(context.Background(), "US")
	if !ok {
		t.Fatal("Request() returned no endpoint")
	}

	for i := 0; i < 3; i++ {
		m.ReportFailure(context.Background(), desc.ID, "tunnel collapsed mid-scrape")
	}

	stats := m.Stats()
	if stats.Quarantined != 1 {
		t.Errorf("Stats().Quarantined = %d, want 1", stats.Quarantined)
	}

	// The quarantined endpoint must no longer be handed out.
	for i := 0; i < 10; i++ {
		got, ok := m.Request(context.Background(), "")
		if !ok {
			t.Fatal("Request() returned no endpoint")
		}
		if got.ID == desc.ID {
			t.Fatalf("quarantined endpoint %s was handed out", desc.ID)
		}
	}
}

func TestReportFailureUnknownEndpoint(t *testing.T) {
	m := newTestManager(t, testRecords())

	// Must not panic or disturb the pool when the endpoint was dropped
	// by a refresh.
	m.ReportFailure(context.Background(), "10.9.9.9:9999", "stale handle")

	if stats := m.Stats(); stats.Quarantined != 0 {
		t.Errorf("Stats().Quarantined = %d, want 0", stats.Quarantined)
	}
}

func TestRequestEmptyWhenSupplierHasNothing(t *testing.T) {
	m := newTestManager(t, nil)

	if _, ok := m.Request(context.Background(), ""); ok {
		t.Fatal("Request() against an empty supplier returned an endpoint")
	}
	if stats := m.Stats(); stats.EmptyHits != 1 {
		t.Errorf("Stats().EmptyHits = %d, want 1", stats.EmptyHits)
	}
}

func TestSweepNowHealsReportedEndpoint(t *testing.T) {
	m := newTestManager(t, testRecords())

	desc, ok := m.Request(context.Background(), "US")
	if !ok {
		t.Fatal("Request() returned no endpoint")
	}
	for i := 0; i < 3; i++ {
		m.ReportFailure(context.Background(), desc.ID, "read timeout")
	}

	// All probes succeed: the quarantined endpoint self-heals.
	m.prober = prober.NewProber(m.store, prober.Config{
		TargetURL:        "http://health.test/ip",
		FailureThreshold: 3,
		Probe: func(ctx context.Context, transport, target string, timeout time.Duration) (time.Duration, []byte, error) {
			return 5 * time.Millisecond, []byte("10.9.9.9"), nil
		},
	}, nil, testLogger())
	report := m.SweepNow(context.Background())

	if report.Probed != 2 {
		t.Errorf("Probed = %d, want 2", report.Probed)
	}
	if stats := m.Stats(); stats.Quarantined != 0 {
		t.Errorf("Stats().Quarantined after sweep = %d, want 0", stats.Quarantined)
	}

	// The healed endpoint is selectable again.
	seen := false
	for i := 0; i < 20; i++ {
		got, ok := m.Request(context.Background(), "")
		if !ok {
			t.Fatal("Request() returned no endpoint")
		}
		if got.ID == desc.ID {
			seen = true
			break
		}
	}
	if !seen {
		t.Errorf("healed endpoint %s never selected again", desc.ID)
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}
	c.applyDefaults()

	if c.RefreshInterval != 30*time.Minute {
		t.Errorf("RefreshInterval default = %v, want 30m", c.RefreshInterval)
	}
	if c.FailureThreshold != 3 {
		t.Errorf("FailureThreshold default = %d, want 3", c.FailureThreshold)
	}
	if c.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout default = %v, want 10s", c.ProbeTimeout)
	}
	if c.ProbeConcurrency != 10 {
		t.Errorf("ProbeConcurrency default = %d, want 10", c.ProbeConcurrency)
	}
	if c.HealthCheckURL == "" {
		t.Error("HealthCheckURL default is empty")
	}
}

func TestStatsCountsStates(t *testing.T) {
	m := newTestManager(t, testRecords())
	if err := m.Refresh(context.Background(), false); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	for _, ep := range m.store.Current() {
		if ep.Region() == "DE" {
			for i := 0; i < 3; i++ {
				ep.MarkFailure(3, time.Now())
			}
		}
	}

	stats := m.Stats()
	if stats.Endpoints != 2 || stats.Valid != 1 || stats.Quarantined != 1 {
		t.Errorf("Stats() = %d/%d/%d (endpoints/valid/quarantined), want 2/1/1",
			stats.Endpoints, stats.Valid, stats.Quarantined)
	}
}
