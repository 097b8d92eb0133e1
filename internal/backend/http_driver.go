package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// pathSuffixes is the ordered vendor-API discovery list; different worker
// deployments expose the generation call under different paths.
var pathSuffixes = []string{
	"/v1/images/generations",
	"/generate",
	"/api/generate",
	"/sdapi/v1/txt2img",
}

// HTTPDriver is the HTTP/JSON backend driver. Endpoint selection within a
// single Backend uses internal round-robin across the healthy subset,
// independent of the gateway-level LoadBalancer.
type HTTPDriver struct {
	name       string
	endpoints  []*Endpoint
	client     *http.Client
	cursor     uint64
	threshold  int
	healthPath string
}

// NewHTTPDriver constructs an HTTP driver for the given endpoints.
func NewHTTPDriver(name string, endpoints []*Endpoint, timeout time.Duration, healthPath string) *HTTPDriver {
	if healthPath == "" {
		healthPath = "/health"
	}
	return &HTTPDriver{
		name:       name,
		endpoints:  endpoints,
		client:     &http.Client{Timeout: timeout},
		threshold:  DefaultFailureThreshold,
		healthPath: healthPath,
	}
}

// apiRequest mirrors the canonical wire request, built fresh per call so
// absent fields are genuinely omitted rather than sent as null.
type apiRequest struct {
	Prompt            string   `json:"prompt"`
	NegativePrompt    string   `json:"negative_prompt,omitempty"`
	N                 uint32   `json:"n,omitempty"`
	Width             uint32   `json:"width,omitempty"`
	Height            uint32   `json:"height,omitempty"`
	Model             string   `json:"model,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	GuidanceScale     *float32 `json:"guidance_scale,omitempty"`
	NumInferenceSteps uint32   `json:"num_inference_steps,omitempty"`
	ResponseFormat    string   `json:"response_format,omitempty"`
}

// apiImage accepts either b64_json or base64 on ingest, b64_json preferred.
type apiImage struct {
	B64JSON       string `json:"b64_json,omitempty"`
	Base64        string `json:"base64,omitempty"`
	URL           string `json:"url,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
	Seed          *int64 `json:"seed,omitempty"`
}

// apiResponse accepts either the images or data shape; both, if present, are
// concatenated in that order.
type apiResponse struct {
	Images []apiImage `json:"images"`
	Data   []apiImage `json:"data"`
	Model  string     `json:"model,omitempty"`
}

func toAPIRequest(r *GenerateRequest) apiRequest {
	return apiRequest{
		Prompt:            r.Prompt,
		NegativePrompt:    r.NegativePrompt,
		N:                 r.N,
		Width:             r.Width,
		Height:            r.Height,
		Model:             r.Model,
		Seed:              r.Seed,
		GuidanceScale:     r.GuidanceScale,
		NumInferenceSteps: r.NumInferenceSteps,
		ResponseFormat:    r.ResponseFormat,
	}
}

func fromAPIResponse(resp *apiResponse) *GenerateResponse {
	images := make([]GeneratedImage, 0, len(resp.Images)+len(resp.Data))
	for _, list := range [][]apiImage{resp.Images, resp.Data} {
		for _, img := range list {
			b64 := img.B64JSON
			if b64 == "" {
				b64 = img.Base64
			}
			images = append(images, GeneratedImage{
				B64JSON:       b64,
				URL:           img.URL,
				RevisedPrompt: img.RevisedPrompt,
				Seed:          img.Seed,
			})
		}
	}
	return &GenerateResponse{Images: images, Model: resp.Model}
}

// nextHealthyEndpoint returns the next endpoint in round-robin order among
// the currently-healthy subset.
func (d *HTTPDriver) nextHealthyEndpoint() *Endpoint {
	healthy := make([]*Endpoint, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		if ep.IsHealthy() {
			healthy = append(healthy, ep)
		}
	}
	if len(healthy) == 0 {
		return nil
	}
	idx := atomic.AddUint64(&d.cursor, 1) - 1
	return healthy[idx%uint64(len(healthy))]
}

// Generate implements the Driver interface.
func (d *HTTPDriver) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	ep := d.nextHealthyEndpoint()
	if ep == nil {
		return nil, NewError(KindNoHealthyBackends, fmt.Sprintf("backend %q: no healthy endpoints", d.name))
	}

	body, err := json.Marshal(toAPIRequest(req))
	if err != nil {
		return nil, NewError(KindInvalidRequest, err.Error())
	}

	var lastErr error
	for _, suffix := range pathSuffixes {
		url := ep.URL + suffix

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(httpReq)
		if err != nil {
			if isTransportFailure(err) {
				ep.MarkUnhealthy(d.threshold)
				return nil, NewError(KindTransportFailed, fmt.Sprintf("backend %q endpoint %q: %v", d.name, ep.URL, err))
			}
			lastErr = err
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("status %d from %s: %s", resp.StatusCode, url, string(respBody))
			continue
		}

		if readErr != nil {
			lastErr = readErr
			continue
		}

		var apiResp apiResponse
		if err := json.Unmarshal(respBody, &apiResp); err != nil {
			lastErr = fmt.Errorf("unparseable response from %s: %w", url, err)
			continue
		}

		ep.MarkHealthy()
		return fromAPIResponse(&apiResp), nil
	}

	ep.MarkUnhealthy(d.threshold)
	if lastErr == nil {
		lastErr = errors.New("no path suffix succeeded")
	}
	return nil, NewError(KindBackendError, fmt.Sprintf("backend %q endpoint %q: %v", d.name, ep.URL, lastErr))
}

// Probe implements the Driver interface: GET {endpoint}{health_check_path}.
func (d *HTTPDriver) Probe(ctx context.Context) bool {
	anyHealthy := false
	for _, ep := range d.endpoints {
		if d.probeOne(ctx, ep) {
			anyHealthy = true
		}
	}
	return anyHealthy
}

func (d *HTTPDriver) probeOne(ctx context.Context, ep *Endpoint) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL+d.healthPath, nil)
	if err != nil {
		return false
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// isTransportFailure reports whether err represents a connect-or-timeout
// failure at the socket layer, as opposed to a local request-construction
// error. Only this class aborts the per-endpoint path-suffix loop early:
// retrying other suffixes on an unreachable host wastes time, while a
// non-2xx from a live host may just mean the wrong path was tried.
func isTransportFailure(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
