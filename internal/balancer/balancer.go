package balancer

import (
	"sync"
	"sync/atomic"
	"time"

	"imagegate/internal/backend"
	"imagegate/internal/health"
)

// Strategy selects which selection policy the LoadBalancer applies.
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyRandom             Strategy = "random"
	StrategyLeastConnections   Strategy = "least_connections"
)

// weightedState is the smooth weighted round-robin cursor.
type weightedState struct {
	mu            sync.Mutex
	currentIndex  int
	currentWeight int
}

// LoadBalancer selects one healthy Backend from the registry under a
// configured policy.
type LoadBalancer struct {
	registry *backend.Registry
	monitor  *health.Monitor
	strategy Strategy

	roundRobinCursor uint64
	weighted         weightedState
}

// New constructs a LoadBalancer bound to a registry and health monitor.
func New(registry *backend.Registry, monitor *health.Monitor, strategy Strategy) *LoadBalancer {
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	lb := &LoadBalancer{registry: registry, monitor: monitor, strategy: strategy}
	// currentIndex starts at -1 so the first advance lands on index 0,
	// triggering the initial weight-reset branch below.
	lb.weighted.currentIndex = -1
	return lb
}

// healthyEnabled returns backends passing the enabled ∧ healthy filter, in
// registry-iteration order.
func (lb *LoadBalancer) healthyEnabled() []*backend.Backend {
	all := lb.registry.GetAll()
	out := make([]*backend.Backend, 0, len(all))
	for _, b := range all {
		if b.IsEnabled() && lb.monitor.IsHealthy(b.Name) {
			out = append(out, b)
		}
	}
	return out
}

// Select returns a Backend per the configured policy. If name is non-empty
// it is treated as an explicit shortcut: return that backend (regardless of
// health) or BackendNotFound.
func (lb *LoadBalancer) Select(name string) (*backend.Backend, error) {
	if name != "" {
		b := lb.registry.Get(name)
		if b == nil {
			return nil, backend.NewError(backend.KindBackendNotFound, "backend not found: "+name)
		}
		return b, nil
	}

	candidates := lb.healthyEnabled()
	if len(candidates) == 0 {
		return nil, backend.NewError(backend.KindNoHealthyBackends, "no healthy backends")
	}

	switch lb.strategy {
	case StrategyWeightedRoundRobin:
		return lb.selectWeightedRoundRobin(candidates), nil
	case StrategyRandom:
		return lb.selectRandom(candidates), nil
	case StrategyLeastConnections:
		// Reserved: no in-flight accounting yet, falls back to round robin.
		return lb.selectRoundRobin(candidates), nil
	default:
		return lb.selectRoundRobin(candidates), nil
	}
}

func (lb *LoadBalancer) selectRoundRobin(candidates []*backend.Backend) *backend.Backend {
	idx := atomic.AddUint64(&lb.roundRobinCursor, 1) - 1
	return candidates[idx%uint64(len(candidates))]
}

func (lb *LoadBalancer) selectRandom(candidates []*backend.Backend) *backend.Backend {
	idx := int(time.Now().UnixNano()) % len(candidates)
	if idx < 0 {
		idx += len(candidates)
	}
	return candidates[idx]
}

// selectWeightedRoundRobin implements the classical smooth weighted
// round-robin algorithm: advance the index, decrement the current weight by
// the gcd of all weights on wrap, and return the first backend whose weight
// meets the current weight. Over a full cycle each backend is selected in
// proportion to its weight.
func (lb *LoadBalancer) selectWeightedRoundRobin(candidates []*backend.Backend) *backend.Backend {
	if len(candidates) == 1 {
		return candidates[0]
	}

	weights := make([]int, len(candidates))
	maxWeight := 0
	weightGCD := 0
	for i, b := range candidates {
		w := b.Weight
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		if w > maxWeight {
			maxWeight = w
		}
		weightGCD = gcd(weightGCD, w)
	}
	if weightGCD == 0 {
		weightGCD = 1
	}

	lb.weighted.mu.Lock()
	defer lb.weighted.mu.Unlock()

	for {
		lb.weighted.currentIndex = (lb.weighted.currentIndex + 1) % len(candidates)
		if lb.weighted.currentIndex == 0 {
			lb.weighted.currentWeight -= weightGCD
			if lb.weighted.currentWeight <= 0 {
				lb.weighted.currentWeight = maxWeight
			}
		}
		if weights[lb.weighted.currentIndex] >= lb.weighted.currentWeight {
			return candidates[lb.weighted.currentIndex]
		}
	}
}

// gcd is the standard recursive Euclidean algorithm.
func gcd(a, b int) int {
	if b == 0 {
		return a
	}
	return gcd(b, a%b)
}
