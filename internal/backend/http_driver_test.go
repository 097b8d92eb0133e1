package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPDriverTriesPathSuffixesOnNonSuccess(t *testing.T) {
	var hitPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitPaths = append(hitPaths, r.URL.Path)
		if r.URL.Path == "/sdapi/v1/txt2img" {
			json.NewEncoder(w).Encode(apiResponse{Images: []apiImage{{B64JSON: "abc"}}})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ep := NewEndpoint(srv.URL)
	d := NewHTTPDriver("test", []*Endpoint{ep}, 5*time.Second, "/health")

	resp, err := d.Generate(context.Background(), &GenerateRequest{Prompt: "a cat"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Images) != 1 || resp.Images[0].B64JSON != "abc" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(hitPaths) != len(pathSuffixes) {
		t.Errorf("expected all %d suffixes tried, got %d: %v", len(pathSuffixes), len(hitPaths), hitPaths)
	}
	if !ep.IsHealthy() {
		t.Error("expected endpoint to remain healthy after eventual success")
	}
}

func TestHTTPDriverDemotesEndpointAtFailureThreshold(t *testing.T) {
	ep := NewEndpoint("http://127.0.0.1:1") // nothing listening
	d := NewHTTPDriver("test", []*Endpoint{ep}, 500*time.Millisecond, "/health")

	_, err := d.Generate(context.Background(), &GenerateRequest{Prompt: "a cat"})
	if err == nil {
		t.Fatal("expected error")
	}

	gwErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if gwErr.Kind != KindTransportFailed {
		t.Errorf("expected TransportFailed, got %s", gwErr.Kind)
	}
	if !ep.IsHealthy() {
		t.Fatal("expected endpoint to stay healthy below the failure threshold")
	}

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		if _, err := d.Generate(context.Background(), &GenerateRequest{Prompt: "a cat"}); err == nil {
			t.Fatal("expected error")
		}
	}
	if ep.IsHealthy() {
		t.Error("expected endpoint to be demoted after threshold consecutive transport failures")
	}

	// With its only endpoint demoted, the next call fails fast.
	_, err = d.Generate(context.Background(), &GenerateRequest{Prompt: "a cat"})
	gwErr = err.(*Error)
	if gwErr.Kind != KindNoHealthyBackends {
		t.Errorf("expected NoHealthyBackends once the endpoint is demoted, got %s", gwErr.Kind)
	}
}

func TestHTTPDriverAllPathsFailCountsOneFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ep := NewEndpoint(srv.URL)
	d := NewHTTPDriver("test", []*Endpoint{ep}, 5*time.Second, "/health")

	_, err := d.Generate(context.Background(), &GenerateRequest{Prompt: "a cat"})
	if err == nil {
		t.Fatal("expected error")
	}
	gwErr := err.(*Error)
	if gwErr.Kind != KindBackendError {
		t.Errorf("expected BackendError, got %s", gwErr.Kind)
	}

	// Exhausting every suffix counts as one failure event, not four: the
	// endpoint is not demoted on first occurrence.
	if ep.ConsecutiveFailures() != 1 {
		t.Errorf("expected 1 recorded failure, got %d", ep.ConsecutiveFailures())
	}
	if !ep.IsHealthy() {
		t.Error("expected endpoint to stay healthy below the failure threshold")
	}
}

func TestHTTPDriverConcatenatesImagesAndData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(apiResponse{
			Images: []apiImage{{B64JSON: "one"}},
			Data:   []apiImage{{Base64: "two"}},
		})
	}))
	defer srv.Close()

	ep := NewEndpoint(srv.URL)
	d := NewHTTPDriver("test", []*Endpoint{ep}, 5*time.Second, "/health")

	resp, err := d.Generate(context.Background(), &GenerateRequest{Prompt: "a cat"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Images) != 2 {
		t.Fatalf("expected 2 images, got %d", len(resp.Images))
	}
	if resp.Images[0].B64JSON != "one" {
		t.Errorf("expected first image from images[], got %q", resp.Images[0].B64JSON)
	}
	if resp.Images[1].B64JSON != "two" {
		t.Errorf("expected base64-aliased field to populate B64JSON, got %q", resp.Images[1].B64JSON)
	}
}

func TestHTTPDriverProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ep := NewEndpoint(srv.URL)
	d := NewHTTPDriver("test", []*Endpoint{ep}, 5*time.Second, "/health")

	if !d.Probe(context.Background()) {
		t.Error("expected probe to succeed")
	}
}

func TestHTTPDriverRoundRobinsHealthyEndpoints(t *testing.T) {
	var hits [2]int
	srv0 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits[0]++
		json.NewEncoder(w).Encode(apiResponse{Images: []apiImage{{B64JSON: "x"}}})
	}))
	defer srv0.Close()
	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits[1]++
		json.NewEncoder(w).Encode(apiResponse{Images: []apiImage{{B64JSON: "x"}}})
	}))
	defer srv1.Close()

	eps := []*Endpoint{NewEndpoint(srv0.URL), NewEndpoint(srv1.URL)}
	d := NewHTTPDriver("test", eps, 5*time.Second, "/health")

	for i := 0; i < 4; i++ {
		if _, err := d.Generate(context.Background(), &GenerateRequest{Prompt: "x"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if hits[0] != 2 || hits[1] != 2 {
		t.Errorf("expected even split 2/2, got %v", hits)
	}
}
