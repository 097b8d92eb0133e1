package queue

import (
	"context"
	"sync"
	"time"

	"imagegate/internal/backend"
	"imagegate/internal/router"
)

// BatchConfig configures request coalescing.
type BatchConfig struct {
	Enabled      bool
	MaxBatchSize int
	MaxWait      time.Duration
}

// DefaultBatchConfig returns the default batching triggers.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{Enabled: true, MaxBatchSize: 4, MaxWait: 100 * time.Millisecond}
}

// pending is one request awaiting a batching decision.
type pending struct {
	req         *backend.GenerateRequest
	backendName string
	enqueuedAt  time.Time
	result      chan jobResult
}

// Batcher groups same-backend, compatible requests into a single upstream
// call when it is safe to do so, falling back to one call per request
// otherwise. It implements Dispatcher so it can sit in front of a Queue's
// worker, replacing RouterDispatcher.
type Batcher struct {
	cfg    BatchConfig
	router *router.Router

	mu      sync.Mutex
	byGroup map[string][]*pending

	onBatch func(size int)

	// OnBackendResult, if non-nil, is invoked after every upstream call with
	// the backend name, call latency in microseconds, and whether it failed.
	OnBackendResult func(name string, latencyUs int64, isError bool)

	done chan struct{}
}

// NewBatcher constructs a Batcher and starts its driving loop. onBatch, if
// non-nil, is invoked with each dispatched batch's size (for metrics).
func NewBatcher(cfg BatchConfig, r *router.Router, onBatch func(size int)) *Batcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultBatchConfig().MaxBatchSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultBatchConfig().MaxWait
	}
	bt := &Batcher{
		cfg:     cfg,
		router:  r,
		byGroup: make(map[string][]*pending),
		onBatch: onBatch,
		done:    make(chan struct{}),
	}
	if cfg.Enabled {
		go bt.run()
	}
	return bt
}

// Dispatch implements Dispatcher. When batching is disabled it routes and
// calls Generate directly, one call per request.
func (bt *Batcher) Dispatch(ctx context.Context, req *backend.GenerateRequest, backendName string) (*backend.GenerateResponse, error) {
	if !bt.cfg.Enabled {
		b, err := bt.router.Route(backendName, req.Model)
		if err != nil {
			return nil, err
		}
		return bt.generate(ctx, b, req)
	}

	b, err := bt.router.Route(backendName, req.Model)
	if err != nil {
		return nil, err
	}

	p := &pending{req: req, backendName: b.Name, enqueuedAt: time.Now(), result: make(chan jobResult, 1)}
	bt.enqueue(b.Name, p)

	select {
	case r := <-p.result:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, backend.NewError(backend.KindTimeout, "request timed out waiting for batch")
	}
}

func (bt *Batcher) enqueue(groupKey string, p *pending) {
	bt.mu.Lock()
	bt.byGroup[groupKey] = append(bt.byGroup[groupKey], p)
	shouldProcess := bt.shouldProcessLocked(groupKey)
	var batch []*pending
	if shouldProcess {
		batch = bt.byGroup[groupKey]
		delete(bt.byGroup, groupKey)
	}
	bt.mu.Unlock()

	if batch != nil {
		go bt.process(groupKey, batch)
	}
}

// shouldProcessLocked implements the trigger condition: length threshold or
// elapsed-wait threshold, whichever comes first.
func (bt *Batcher) shouldProcessLocked(groupKey string) bool {
	group := bt.byGroup[groupKey]
	if len(group) == 0 {
		return false
	}
	if len(group) >= bt.cfg.MaxBatchSize {
		return true
	}
	return time.Since(group[0].enqueuedAt) >= bt.cfg.MaxWait
}

// run wakes periodically to flush groups that have aged past max_wait
// without reaching max_batch_size.
func (bt *Batcher) run() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			bt.sweep()
		case <-bt.done:
			return
		}
	}
}

func (bt *Batcher) sweep() {
	bt.mu.Lock()
	var toProcess []struct {
		key   string
		batch []*pending
	}
	for key := range bt.byGroup {
		if bt.shouldProcessLocked(key) {
			toProcess = append(toProcess, struct {
				key   string
				batch []*pending
			}{key, bt.byGroup[key]})
			delete(bt.byGroup, key)
		}
	}
	bt.mu.Unlock()

	for _, t := range toProcess {
		go bt.process(t.key, t.batch)
	}
}

// process dispatches one batch. It routes to the named backend, attempts a
// coalesced single upstream call when legal, and otherwise falls back to one
// call per request.
func (bt *Batcher) process(backendName string, batch []*pending) {
	if bt.onBatch != nil {
		bt.onBatch(len(batch))
	}

	b := bt.router.GetBackend(backendName)
	if b == nil {
		err := backend.NewError(backend.KindBackendNotFound, "backend not found: "+backendName)
		for _, p := range batch {
			bt.reply(p, nil, err)
		}
		return
	}

	if len(batch) == 1 || !canCoalesce(batch) {
		bt.dispatchIndividually(b, batch)
		return
	}

	bt.dispatchCoalesced(b, batch)
}

// generate issues one upstream call, reporting its latency and outcome to
// OnBackendResult if set.
func (bt *Batcher) generate(ctx context.Context, b *backend.Backend, req *backend.GenerateRequest) (*backend.GenerateResponse, error) {
	start := time.Now()
	resp, err := b.Generate(ctx, req)
	if bt.OnBackendResult != nil {
		bt.OnBackendResult(b.Name, time.Since(start).Microseconds(), err != nil)
	}
	return resp, err
}

func (bt *Batcher) dispatchIndividually(b *backend.Backend, batch []*pending) {
	for _, p := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), b.Timeout)
		resp, err := bt.generate(ctx, b, p.req)
		cancel()
		bt.reply(p, resp, err)
	}
}

// canCoalesce reports whether every request in the batch differs from the
// first only in N (image count): same prompt, model, size, seed, and
// remaining fields, making a single combined upstream call legal. Requests
// that vary the seed or guidance must fan out, or every caller would get
// images generated with the first request's parameters.
func canCoalesce(batch []*pending) bool {
	first := batch[0].req
	for _, p := range batch[1:] {
		r := p.req
		if r.Prompt != first.Prompt ||
			r.NegativePrompt != first.NegativePrompt ||
			r.Model != first.Model ||
			r.Width != first.Width ||
			r.Height != first.Height ||
			r.ResponseFormat != first.ResponseFormat ||
			r.NumInferenceSteps != first.NumInferenceSteps ||
			!int64PtrEqual(r.Seed, first.Seed) ||
			!float32PtrEqual(r.GuidanceScale, first.GuidanceScale) {
			return false
		}
	}
	return true
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func float32PtrEqual(a, b *float32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// dispatchCoalesced sums N across the batch, issues one upstream call
// templated on the first request, then splits the returned images back into
// consecutive per-request slices in submission order.
func (bt *Batcher) dispatchCoalesced(b *backend.Backend, batch []*pending) {
	total := uint32(0)
	for _, p := range batch {
		total += p.req.N
	}

	combined := *batch[0].req
	combined.N = total

	ctx, cancel := context.WithTimeout(context.Background(), b.Timeout)
	resp, err := bt.generate(ctx, b, &combined)
	cancel()

	if err != nil {
		for _, p := range batch {
			bt.reply(p, nil, err)
		}
		return
	}

	offset := 0
	for _, p := range batch {
		n := int(p.req.N)
		end := offset + n
		if end > len(resp.Images) {
			end = len(resp.Images)
		}
		var slice []backend.GeneratedImage
		if offset < len(resp.Images) {
			slice = resp.Images[offset:end]
		}
		bt.reply(p, &backend.GenerateResponse{Images: slice, Model: resp.Model}, nil)
		offset = end
	}
}

func (bt *Batcher) reply(p *pending, resp *backend.GenerateResponse, err error) {
	select {
	case p.result <- jobResult{resp: resp, err: err}:
	default:
	}
}

// Stop halts the sweep loop.
func (bt *Batcher) Stop() {
	close(bt.done)
}
