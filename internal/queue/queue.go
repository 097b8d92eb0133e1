package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"imagegate/internal/backend"
	"imagegate/internal/router"
)

// Config configures the bounded request queue.
type Config struct {
	MaxQueueSize  int
	MaxConcurrent int
	Timeout       time.Duration
}

// DefaultConfig returns the default admission and concurrency bounds.
func DefaultConfig() Config {
	return Config{MaxQueueSize: 1000, MaxConcurrent: 10, Timeout: 120 * time.Second}
}

// job is one admitted unit of work: a request plus its one-shot result
// channel. The channel has capacity 1 and tolerates a send with no receiver;
// the caller may have already timed out.
type job struct {
	req         *backend.GenerateRequest
	backendName string
	result      chan jobResult
}

type jobResult struct {
	resp *backend.GenerateResponse
	err  error
}

// Dispatcher is anything that can resolve and execute one request: the
// Router composed with Backend.Generate, or a Batcher sitting in front of it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *backend.GenerateRequest, backendName string) (*backend.GenerateResponse, error)
}

// RouterDispatcher adapts a Router into a Dispatcher: route then call
// Backend.Generate directly (used when batching is disabled).
type RouterDispatcher struct {
	Router *router.Router

	// OnBackendResult, if non-nil, is invoked after every backend call with
	// the backend name, call latency in microseconds, and whether it failed.
	OnBackendResult func(name string, latencyUs int64, isError bool)
}

// Dispatch implements Dispatcher.
func (d *RouterDispatcher) Dispatch(ctx context.Context, req *backend.GenerateRequest, backendName string) (*backend.GenerateResponse, error) {
	b, err := d.Router.Route(backendName, req.Model)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := b.Generate(ctx, req)
	if d.OnBackendResult != nil {
		d.OnBackendResult(b.Name, time.Since(start).Microseconds(), err != nil)
	}
	return resp, err
}

// Queue is a bounded FIFO work queue with a concurrency semaphore and
// per-request deadline. It is the single admission and dispatch point.
type Queue struct {
	cfg        Config
	dispatcher Dispatcher

	pending  int64 // atomic
	jobs     chan *job
	sem      chan struct{}

	done chan struct{}
}

// New constructs a Queue and starts its dispatch loop.
func New(cfg Config, dispatcher Dispatcher) *Queue {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	q := &Queue{
		cfg:        cfg,
		dispatcher: dispatcher,
		jobs:       make(chan *job, cfg.MaxQueueSize),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		done:       make(chan struct{}),
	}
	go q.run()
	return q
}

// PendingCount returns the current number of admitted-but-not-yet-completed
// requests.
func (q *Queue) PendingCount() int {
	return int(atomic.LoadInt64(&q.pending))
}

// Submit is the single entry point. If the pending counter is at
// max_queue_size, it returns QueueFull immediately without blocking.
// Otherwise it enqueues FIFO and awaits the result, bounded by the
// configured timeout.
func (q *Queue) Submit(ctx context.Context, req *backend.GenerateRequest, backendName string) (*backend.GenerateResponse, error) {
	if int(atomic.LoadInt64(&q.pending)) >= q.cfg.MaxQueueSize {
		return nil, backend.NewError(backend.KindQueueFull, "request queue is full")
	}

	atomic.AddInt64(&q.pending, 1)
	defer atomic.AddInt64(&q.pending, -1)

	j := &job{req: req, backendName: backendName, result: make(chan jobResult, 1)}

	select {
	case q.jobs <- j:
	default:
		// The buffered channel itself filled between the counter check and
		// the send; treat identically to the counter-based rejection.
		return nil, backend.NewError(backend.KindQueueFull, "request queue is full")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	select {
	case r := <-j.result:
		return r.resp, r.err
	case <-timeoutCtx.Done():
		return nil, backend.NewError(backend.KindTimeout, "request timed out waiting in queue")
	}
}

// run is the single consumer loop draining jobs and spawning bounded workers.
func (q *Queue) run() {
	for {
		select {
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			go q.work(j)
		case <-q.done:
			return
		}
	}
}

func (q *Queue) work(j *job) {
	select {
	case q.sem <- struct{}{}:
	case <-q.done:
		return
	}
	defer func() { <-q.sem }()

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.Timeout)
	defer cancel()

	resp, err := q.dispatcher.Dispatch(ctx, j.req, j.backendName)
	if errors.Is(err, context.DeadlineExceeded) {
		err = backend.NewError(backend.KindTimeout, "request timed out in backend call")
	}

	// Non-blocking send: if the caller already timed out and stopped
	// listening, this must not panic or block.
	select {
	case j.result <- jobResult{resp: resp, err: err}:
	default:
	}
}

// Stop halts the dispatch loop. In-flight workers are allowed to finish;
// their results are discarded if the submitting caller already returned.
func (q *Queue) Stop() {
	close(q.done)
}
