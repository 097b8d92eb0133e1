package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// jsonCodec marshals unary payloads as JSON. Inference workers behind the
// rpc protocol expose a generic Generate method with a JSON body and publish
// no protobuf schema, so calls opt in to this codec per-call via
// grpc.CallContentSubtype instead of relying on the default proto codec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// RPCDriver is the gRPC backend driver. It maintains one lazily-established
// channel per endpoint, dialed on first use with a bounded connect timeout.
// The call itself uses a generic unary invoke against a configurable method
// name rather than a generated client stub; third-party inference workers
// publish no protobuf schema.
type RPCDriver struct {
	name        string
	endpoints   []*Endpoint
	method      string
	dialTimeout time.Duration
	callTimeout time.Duration
	threshold   int

	mu       sync.RWMutex
	channels []*grpc.ClientConn // indexed like endpoints

	cursor uint64
}

// NewRPCDriver constructs an RPC driver for the given endpoints.
func NewRPCDriver(name string, endpoints []*Endpoint, callTimeout time.Duration) *RPCDriver {
	return &RPCDriver{
		name:        name,
		endpoints:   endpoints,
		method:      "/imagegate.Inference/Generate",
		dialTimeout: 10 * time.Second,
		callTimeout: callTimeout,
		threshold:   DefaultFailureThreshold,
		channels:    make([]*grpc.ClientConn, len(endpoints)),
	}
}

// getChannel returns the cached channel for index i, dialing it lazily.
// Concurrent callers racing to dial the same index converge on one cached
// channel; duplicate dials are tolerated but duplicate cached channels are
// not (the first successful dialer to take the write lock caches its
// channel; a later dialer closes its own channel and returns the cached one).
func (d *RPCDriver) getChannel(i int) (*grpc.ClientConn, error) {
	d.mu.RLock()
	if ch := d.channels[i]; ch != nil {
		d.mu.RUnlock()
		return ch, nil
	}
	d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.dialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, d.endpoints[i].URL,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if existing := d.channels[i]; existing != nil {
		d.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	d.channels[i] = conn
	d.mu.Unlock()

	return conn, nil
}

// clearChannel evicts a cached channel so the next call redials.
func (d *RPCDriver) clearChannel(i int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channels[i] != nil {
		d.channels[i].Close()
		d.channels[i] = nil
	}
}

func (d *RPCDriver) nextHealthyIndex() (int, bool) {
	n := len(d.endpoints)
	start := int(atomic.AddUint64(&d.cursor, 1) - 1)
	for offset := 0; offset < n; offset++ {
		idx := (start + offset) % n
		if d.endpoints[idx].IsHealthy() {
			return idx, true
		}
	}
	return 0, false
}

// Generate implements the Driver interface.
func (d *RPCDriver) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	idx, ok := d.nextHealthyIndex()
	if !ok {
		return nil, NewError(KindNoHealthyBackends, fmt.Sprintf("backend %q: no healthy endpoints", d.name))
	}
	ep := d.endpoints[idx]

	conn, err := d.getChannel(idx)
	if err != nil {
		ep.MarkUnhealthy(d.threshold)
		return nil, NewError(KindTransportFailed, fmt.Sprintf("backend %q endpoint %q: dial failed: %v", d.name, ep.URL, err))
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	apiReq := toAPIRequest(req)
	var apiResp apiResponse
	if err := conn.Invoke(callCtx, d.method, &apiReq, &apiResp, grpc.CallContentSubtype(jsonCodec{}.Name())); err != nil {
		d.clearChannel(idx)
		ep.MarkUnhealthy(d.threshold)
		return nil, NewError(KindBackendError, fmt.Sprintf("backend %q endpoint %q: rpc failed: %v", d.name, ep.URL, err))
	}

	ep.MarkHealthy()
	return fromAPIResponse(&apiResp), nil
}

// Probe implements the Driver interface: success iff the channel can be
// established or is already live.
func (d *RPCDriver) Probe(ctx context.Context) bool {
	anyHealthy := false
	for i := range d.endpoints {
		if _, err := d.getChannel(i); err == nil {
			anyHealthy = true
		}
	}
	return anyHealthy
}
