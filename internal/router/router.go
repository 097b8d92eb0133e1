package router

import (
	"strings"

	"imagegate/internal/backend"
	"imagegate/internal/balancer"
	"imagegate/internal/health"
)

// familyTokens are known model-family name pairs used by the model-name
// heuristic: a model and a backend match when both mention either token of
// the same family.
var familyTokens = [][2]string{
	{"stable", "sd"},
	{"dall", "openai"},
}

// Config configures the Router's priority chain.
type Config struct {
	DefaultBackend  string
	FallbackEnabled bool
}

// Router selects a Backend using a priority-ordered chain: explicit name,
// model-name heuristic, configured default, then the LoadBalancer's
// configured strategy across all healthy enabled backends. It consults the
// HealthMonitor's cached view only; it never probes synchronously on the
// request path.
type Router struct {
	registry *backend.Registry
	monitor  *health.Monitor
	lb       *balancer.LoadBalancer
	cfg      Config
}

// New constructs a Router.
func New(registry *backend.Registry, monitor *health.Monitor, lb *balancer.LoadBalancer, cfg Config) *Router {
	return &Router{registry: registry, monitor: monitor, lb: lb, cfg: cfg}
}

func (r *Router) healthyEnabled(b *backend.Backend) bool {
	return b.IsEnabled() && r.monitor.IsHealthy(b.Name)
}

// Route selects a Backend for the given request, honoring an explicit
// backend name hint and a model name, in that priority order.
func (r *Router) Route(backendName, model string) (*backend.Backend, error) {
	if backendName != "" {
		return r.routeExplicit(backendName)
	}

	if model != "" {
		if b := r.routeByModel(model); b != nil {
			return b, nil
		}
	}

	if r.cfg.DefaultBackend != "" {
		if b := r.registry.Get(r.cfg.DefaultBackend); b != nil && r.healthyEnabled(b) {
			return b, nil
		}
	}

	// No more specific choice exists: hand the pick to the LoadBalancer so
	// the configured strategy distributes the traffic.
	if r.cfg.FallbackEnabled {
		if b, err := r.lb.Select(""); err == nil {
			return b, nil
		}
	}

	return nil, backend.NewError(backend.KindNoHealthyBackends, "no available backends")
}

// GetBackend looks up a backend by name directly, bypassing the priority
// chain. Used by callers (such as the Batcher) that re-resolve a backend
// already chosen by an earlier Route call.
func (r *Router) GetBackend(name string) *backend.Backend {
	return r.registry.Get(name)
}

func (r *Router) routeExplicit(name string) (*backend.Backend, error) {
	b := r.registry.Get(name)
	if b == nil {
		return nil, backend.NewError(backend.KindBackendNotFound, "backend not found: "+name)
	}
	if !r.healthyEnabled(b) {
		return nil, backend.NewError(backend.KindNoHealthyBackends, "backend "+name+" is not healthy")
	}
	return b, nil
}

// routeByModel implements the case-folded substring-or-family-token match,
// first candidate in registry-iteration order wins.
func (r *Router) routeByModel(model string) *backend.Backend {
	modelLower := strings.ToLower(model)

	for _, b := range r.registry.GetAll() {
		if !r.healthyEnabled(b) {
			continue
		}
		nameLower := strings.ToLower(b.Name)

		if strings.Contains(modelLower, nameLower) || strings.Contains(nameLower, modelLower) {
			return b
		}

		for _, pair := range familyTokens {
			modelHasA := strings.Contains(modelLower, pair[0])
			modelHasB := strings.Contains(modelLower, pair[1])
			nameHasA := strings.Contains(nameLower, pair[0])
			nameHasB := strings.Contains(nameLower, pair[1])
			if (modelHasA || modelHasB) && (nameHasA || nameHasB) {
				return b
			}
		}
	}
	return nil
}
