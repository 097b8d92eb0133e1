package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"imagegate/internal/auth"
	"imagegate/internal/backend"
	"imagegate/internal/config"
	"imagegate/internal/health"
	"imagegate/internal/metrics"
	"imagegate/internal/queue"
	"imagegate/internal/ratelimit"
	"imagegate/internal/storage"
)

type stubDriver struct {
	images int
	err    error
}

func (d stubDriver) Generate(ctx context.Context, req *backend.GenerateRequest) (*backend.GenerateResponse, error) {
	if d.err != nil {
		return nil, d.err
	}
	n := d.images
	if n == 0 {
		n = 1
	}
	images := make([]backend.GeneratedImage, n)
	for i := range images {
		images[i] = backend.GeneratedImage{B64JSON: "abc"}
	}
	return &backend.GenerateResponse{Images: images}, nil
}

func (d stubDriver) Probe(ctx context.Context) bool { return d.err == nil }

func newTestServer(t *testing.T, d backend.Driver) *Server {
	t.Helper()
	b := &backend.Backend{Name: "b", Weight: 1, Timeout: time.Second, Driver: d}
	b.SetEnabled(true)

	reg := backend.NewRegistry()
	if err := reg.Register(b); err != nil {
		t.Fatalf("register: %v", err)
	}
	mon := health.NewMonitor(reg, health.DefaultConfig())
	mon.ForceProbe(context.Background(), "b")

	q := queue.New(queue.Config{MaxQueueSize: 10, MaxConcurrent: 2, Timeout: time.Second}, directDispatcher{reg: reg, mon: mon})
	t.Cleanup(q.Stop)

	m := metrics.New()
	return New(Config{
		Queue:    q,
		Monitor:  mon,
		Registry: reg,
		Store:    storage.New(config.StorageConfig{BasePath: t.TempDir(), URLPrefix: "http://x/images"}),
		Auth:     auth.New(config.AuthConfig{Enabled: false}),
		Limiter:  ratelimit.New(config.RateLimitConfig{Enabled: false}),
		Metrics:  m,
	})
}

// directDispatcher bypasses the Router, dispatching straight to the named
// (or only) registered backend, keeping these HTTP-layer tests independent
// of router priority-chain semantics already covered elsewhere.
type directDispatcher struct {
	reg *backend.Registry
	mon *health.Monitor
}

func (d directDispatcher) Dispatch(ctx context.Context, req *backend.GenerateRequest, backendName string) (*backend.GenerateResponse, error) {
	name := backendName
	if name == "" {
		all := d.reg.GetAll()
		if len(all) == 0 {
			return nil, backend.NewError(backend.KindNoHealthyBackends, "no backends")
		}
		name = all[0].Name
	}
	b := d.reg.Get(name)
	if b == nil {
		return nil, backend.NewError(backend.KindBackendNotFound, "not found")
	}
	return b.Generate(ctx, req)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, stubDriver{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadyzHealthy(t *testing.T) {
	s := newTestServer(t, stubDriver{})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestGenerateSuccess(t *testing.T) {
	s := newTestServer(t, stubDriver{images: 2})
	body, _ := json.Marshal(map[string]interface{}{"prompt": "a cat", "n": 2})
	req := httptest.NewRequest(http.MethodPost, "/v1/images/generations", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp backend.GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Images) != 2 {
		t.Errorf("expected 2 images, got %d", len(resp.Images))
	}
}

func TestGenerateMissingPrompt(t *testing.T) {
	s := newTestServer(t, stubDriver{})
	body, _ := json.Marshal(map[string]interface{}{})
	req := httptest.NewRequest(http.MethodPost, "/v1/images/generations", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestGenerateMalformedJSON(t *testing.T) {
	s := newTestServer(t, stubDriver{})
	req := httptest.NewRequest(http.MethodPost, "/v1/images/generations", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestGenerateBackendError(t *testing.T) {
	s := newTestServer(t, stubDriver{err: backend.NewError(backend.KindBackendError, "upstream exploded")})
	body, _ := json.Marshal(map[string]interface{}{"prompt": "x"})
	req := httptest.NewRequest(http.MethodPost, "/v1/images/generations", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}

func TestAdminBackends(t *testing.T) {
	s := newTestServer(t, stubDriver{})
	req := httptest.NewRequest(http.MethodGet, "/admin/backends", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out []backendStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].Name != "b" || !out[0].Healthy {
		t.Errorf("unexpected backends response: %+v", out)
	}
}

func TestAdminProbe(t *testing.T) {
	s := newTestServer(t, stubDriver{})
	req := httptest.NewRequest(http.MethodPost, "/admin/backends/b/probe", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminProbeUnknownBackend(t *testing.T) {
	s := newTestServer(t, stubDriver{})
	req := httptest.NewRequest(http.MethodPost, "/admin/backends/missing/probe", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestStatusForKind(t *testing.T) {
	cases := []struct {
		kind backend.Kind
		want int
	}{
		{backend.KindBackendNotFound, http.StatusNotFound},
		{backend.KindNoHealthyBackends, http.StatusServiceUnavailable},
		{backend.KindInvalidRequest, http.StatusBadRequest},
		{backend.KindTimeout, http.StatusGatewayTimeout},
		{backend.KindBackendError, http.StatusBadGateway},
		{backend.KindTransportFailed, http.StatusBadGateway},
		{backend.KindQueueFull, http.StatusTooManyRequests},
		{backend.KindInternal, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusForKind(c.kind); got != c.want {
			t.Errorf("statusForKind(%s) = %d, want %d", c.kind, got, c.want)
		}
	}
}
