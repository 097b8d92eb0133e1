package backend

import (
	"fmt"
	"sync"
	"time"

	"imagegate/internal/config"
)

// Registry is the process-wide, name-indexed collection of Backends.
// Read-mostly: a single writer populates it at startup via
// InitializeFromConfig, after which reads are shared via RWMutex.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*Backend
	order    []string // insertion order, for deterministic registry-iteration order
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]*Backend)}
}

// Register adds a Backend, failing if the name is already taken.
func (r *Registry) Register(b *Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[b.Name]; exists {
		return NewError(KindInvalidRequest, fmt.Sprintf("duplicate backend name: %s", b.Name))
	}
	r.backends[b.Name] = b
	r.order = append(r.order, b.Name)
	return nil
}

// Get returns the named Backend, or nil if not registered.
func (r *Registry) Get(name string) *Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[name]
}

// GetAll returns all registered Backends in registry-iteration (insertion) order.
func (r *Registry) GetAll() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Backend, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.backends[name])
	}
	return out
}

// Remove deletes a Backend by name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.backends, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// InitializeFromConfig constructs one driver per config entry, validates
// each, and registers it. Duplicate names fail the whole initialization.
func (r *Registry) InitializeFromConfig(cfgs []config.BackendConfig) error {
	for _, c := range cfgs {
		b, err := buildBackend(c)
		if err != nil {
			return err
		}
		if err := r.Register(b); err != nil {
			return err
		}
	}
	return nil
}

func buildBackend(c config.BackendConfig) (*Backend, error) {
	if len(c.Endpoints) == 0 {
		return nil, NewError(KindInvalidRequest, fmt.Sprintf("backend %q: no endpoints configured", c.Name))
	}

	endpoints := make([]*Endpoint, len(c.Endpoints))
	for i, url := range c.Endpoints {
		endpoints[i] = NewEndpoint(url)
	}

	timeout := time.Duration(c.TimeoutMs) * time.Millisecond
	weight := c.Weight
	if weight <= 0 {
		weight = 1
	}
	enabled := true
	if c.Enabled != nil {
		enabled = *c.Enabled
	}

	b := &Backend{
		Name:            c.Name,
		Protocol:        c.Protocol,
		Endpoints:       endpoints,
		Weight:          weight,
		HealthCheckPath: c.HealthCheckPath,
		Timeout:         timeout,
		Breaker:         NewCircuitBreaker(DefaultCircuitBreakerConfig()),
	}
	b.SetEnabled(enabled)

	switch c.Protocol {
	case "http", "":
		b.Protocol = "http"
		b.Driver = NewHTTPDriver(c.Name, endpoints, timeout, c.HealthCheckPath)
	case "grpc", "rpc":
		b.Protocol = "rpc"
		b.Driver = NewRPCDriver(c.Name, endpoints, timeout)
	default:
		return nil, NewError(KindInvalidRequest, fmt.Sprintf("backend %q: unknown protocol %q", c.Name, c.Protocol))
	}

	return b, nil
}
