package health

import (
	"context"
	"testing"
	"time"

	"imagegate/internal/backend"
)

// fakeDriver lets tests script a sequence of probe outcomes.
type fakeDriver struct {
	results []bool
	idx     int
}

func (f *fakeDriver) Generate(ctx context.Context, req *backend.GenerateRequest) (*backend.GenerateResponse, error) {
	return nil, nil
}

func (f *fakeDriver) Probe(ctx context.Context) bool {
	if f.idx >= len(f.results) {
		return f.results[len(f.results)-1]
	}
	r := f.results[f.idx]
	f.idx++
	return r
}

func newTestBackend(name string, results ...bool) (*backend.Backend, *fakeDriver) {
	d := &fakeDriver{results: results}
	b := &backend.Backend{Name: name, Driver: d}
	b.SetEnabled(true)
	return b, d
}

func TestUnknownBackendDefaultsHealthy(t *testing.T) {
	r := backend.NewRegistry()
	m := NewMonitor(r, DefaultConfig())

	if !m.IsHealthy("never-probed") {
		t.Error("expected unknown backend to default to healthy")
	}
}

func TestFailureThresholdFlipsUnhealthy(t *testing.T) {
	r := backend.NewRegistry()
	b, _ := newTestBackend("a", false, false, false)
	_ = r.Register(b)

	m := NewMonitor(r, Config{FailureThreshold: 3, RecoveryThreshold: 2})

	m.checkAll(context.Background())
	if !m.IsHealthy("a") {
		t.Fatal("expected still healthy after 1 failure")
	}
	m.checkAll(context.Background())
	if !m.IsHealthy("a") {
		t.Fatal("expected still healthy after 2 failures")
	}
	m.checkAll(context.Background())
	if m.IsHealthy("a") {
		t.Fatal("expected unhealthy after 3 consecutive failures")
	}
}

func TestRecoveryThresholdFlipsHealthy(t *testing.T) {
	r := backend.NewRegistry()
	b, d := newTestBackend("a", false, false, false)
	_ = r.Register(b)

	m := NewMonitor(r, Config{FailureThreshold: 3, RecoveryThreshold: 2})

	m.checkAll(context.Background())
	m.checkAll(context.Background())
	m.checkAll(context.Background())
	if m.IsHealthy("a") {
		t.Fatal("expected unhealthy")
	}

	d.results = append(d.results, true, true)
	d.idx = 3

	m.checkAll(context.Background())
	if m.IsHealthy("a") {
		t.Fatal("expected still unhealthy after 1 success (below recovery threshold)")
	}
	m.checkAll(context.Background())
	if !m.IsHealthy("a") {
		t.Fatal("expected healthy after recovery threshold reached")
	}
}

func TestForceProbeSetsHealthyImmediately(t *testing.T) {
	r := backend.NewRegistry()
	b, _ := newTestBackend("a", false, false, false, true)
	_ = r.Register(b)

	m := NewMonitor(r, Config{FailureThreshold: 3, RecoveryThreshold: 2})
	m.checkAll(context.Background())
	m.checkAll(context.Background())
	m.checkAll(context.Background())
	if m.IsHealthy("a") {
		t.Fatal("expected unhealthy after 3 failures")
	}

	ok, err := m.ForceProbe(context.Background(), "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected forced probe to succeed")
	}
	if !m.IsHealthy("a") {
		t.Fatal("expected forceProbe to set healthy immediately, bypassing recovery threshold")
	}
}

func TestForceProbeUnknownBackend(t *testing.T) {
	r := backend.NewRegistry()
	m := NewMonitor(r, DefaultConfig())

	_, err := m.ForceProbe(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestSummary(t *testing.T) {
	r := backend.NewRegistry()
	healthy, _ := newTestBackend("h", true)
	unhealthy, _ := newTestBackend("u", false, false, false)
	_ = r.Register(healthy)
	_ = r.Register(unhealthy)

	m := NewMonitor(r, Config{FailureThreshold: 3, RecoveryThreshold: 2})
	m.checkAll(context.Background())
	m.checkAll(context.Background())
	m.checkAll(context.Background())

	total, healthyCount, unhealthyCount := m.Summary()
	if total != 2 {
		t.Errorf("expected total 2, got %d", total)
	}
	if healthyCount != 1 {
		t.Errorf("expected 1 healthy, got %d", healthyCount)
	}
	if unhealthyCount != 1 {
		t.Errorf("expected 1 unhealthy, got %d", unhealthyCount)
	}
}

func TestStartStop(t *testing.T) {
	r := backend.NewRegistry()
	b, _ := newTestBackend("a", true)
	_ = r.Register(b)

	m := NewMonitor(r, Config{Interval: 10 * time.Millisecond, FailureThreshold: 3, RecoveryThreshold: 2})
	m.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	m.Stop()

	if !m.IsHealthy("a") {
		t.Error("expected backend to remain healthy")
	}
}
