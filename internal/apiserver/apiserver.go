package apiserver

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"imagegate/internal/auth"
	"imagegate/internal/backend"
	"imagegate/internal/health"
	"imagegate/internal/logging"
	"imagegate/internal/metrics"
	"imagegate/internal/queue"
	"imagegate/internal/ratelimit"
	"imagegate/internal/storage"
)

// DefaultMaxRequestBody bounds inbound request bodies.
const DefaultMaxRequestBody = 10 * 1024 * 1024

// Server is the HTTP surface of the gateway: request intake, admin
// introspection, and health probes.
type Server struct {
	router *chi.Mux

	queue   *queue.Queue
	monitor *health.Monitor
	reg     *backend.Registry
	store   *storage.Store
	auth    *auth.Authenticator
	limiter *ratelimit.Limiter
	logger  *logging.Logger
	metrics *metrics.Metrics
	promExp *metrics.PrometheusExporter

	maxRequestBody int64
}

// Config wires a Server's collaborators.
type Config struct {
	Queue          *queue.Queue
	Monitor        *health.Monitor
	Registry       *backend.Registry
	Store          *storage.Store
	Auth           *auth.Authenticator
	Limiter        *ratelimit.Limiter
	Logger         *logging.Logger
	Metrics        *metrics.Metrics
	PromExporter   *metrics.PrometheusExporter
	MaxRequestBody int64
}

// New builds a Server and its route table.
func New(cfg Config) *Server {
	maxBody := cfg.MaxRequestBody
	if maxBody <= 0 {
		maxBody = DefaultMaxRequestBody
	}

	s := &Server{
		queue:          cfg.Queue,
		monitor:        cfg.Monitor,
		reg:            cfg.Registry,
		store:          cfg.Store,
		auth:           cfg.Auth,
		limiter:        cfg.Limiter,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		promExp:        cfg.PromExporter,
		maxRequestBody: maxBody,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.auth != nil {
		r.Use(s.auth.Middleware)
	}
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Post("/v1/images/generations", s.handleGenerate)

	r.Route("/admin", func(ar chi.Router) {
		ar.Get("/backends", s.handleAdminBackends)
		ar.Get("/metrics", s.handleAdminMetrics)
		ar.Get("/metrics/prometheus", s.handleAdminMetricsPrometheus)
		ar.Post("/backends/{name}/probe", s.handleAdminProbe)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func generateRequestID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReadyz reports not-ready (503) when every registered backend is
// unhealthy and nothing could serve a request right now.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	total, healthy, _ := s.monitor.Summary()
	w.Header().Set("Content-Type", "application/json")
	if total > 0 && healthy == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not_ready"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// generateRequest is the wire shape of POST /v1/images/generations.
type generateRequest struct {
	Prompt            string   `json:"prompt"`
	NegativePrompt    string   `json:"negative_prompt"`
	N                 uint32   `json:"n"`
	Width             uint32   `json:"width"`
	Height            uint32   `json:"height"`
	Model             string   `json:"model"`
	Seed              *int64   `json:"seed"`
	GuidanceScale     *float32 `json:"guidance_scale"`
	NumInferenceSteps uint32   `json:"num_inference_steps"`
	ResponseFormat    string   `json:"response_format"`
	Backend           string   `json:"backend"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = generateRequestID()
	}
	w.Header().Set("X-Request-ID", requestID)
	clientIP := extractClientIP(r)
	keyName := auth.KeyName(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestBody)

	var in generateRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, backend.NewError(backend.KindInvalidRequest, "malformed JSON body: "+err.Error()))
		s.logResult(start, requestID, clientIP, keyName, r, "", "", 0, 0, http.StatusBadRequest, string(backend.KindInvalidRequest))
		return
	}
	if in.Prompt == "" {
		s.writeError(w, backend.NewError(backend.KindInvalidRequest, "prompt is required"))
		s.logResult(start, requestID, clientIP, keyName, r, "", in.Model, 0, 0, http.StatusBadRequest, string(backend.KindInvalidRequest))
		return
	}
	if in.N == 0 {
		in.N = 1
	}
	if in.ResponseFormat == "" {
		in.ResponseFormat = "b64_json"
	}

	req := &backend.GenerateRequest{
		Prompt:            in.Prompt,
		NegativePrompt:    in.NegativePrompt,
		N:                 in.N,
		Width:             in.Width,
		Height:            in.Height,
		Model:             in.Model,
		Seed:              in.Seed,
		GuidanceScale:     in.GuidanceScale,
		NumInferenceSteps: in.NumInferenceSteps,
		ResponseFormat:    in.ResponseFormat,
	}

	queueStart := time.Now()
	resp, err := s.queue.Submit(r.Context(), req, in.Backend)
	queueWaitMs := float64(time.Since(queueStart).Microseconds()) / 1000.0

	if err != nil {
		status := s.writeError(w, err)
		s.logResult(start, requestID, clientIP, keyName, r, in.Backend, in.Model, int(in.N), queueWaitMs, status, errorKindOf(err))
		if s.metrics != nil {
			s.metrics.RecordRequest(keyName, float64(time.Since(start).Microseconds())/1000.0, errorKindOf(err))
		}
		return
	}

	if s.store != nil {
		if err := s.store.ApplyResponseFormat(resp, in.ResponseFormat); err != nil {
			status := s.writeError(w, err)
			s.logResult(start, requestID, clientIP, keyName, r, in.Backend, in.Model, int(in.N), queueWaitMs, status, errorKindOf(err))
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)

	duration := float64(time.Since(start).Microseconds()) / 1000.0
	if s.metrics != nil {
		s.metrics.RecordRequest(keyName, duration, "")
	}
	s.logResult(start, requestID, clientIP, keyName, r, in.Backend, in.Model, int(in.N), queueWaitMs, http.StatusOK, "")
}

func (s *Server) logResult(start time.Time, requestID, clientIP, keyName string, r *http.Request, backendName, model string, numImages int, queueWaitMs float64, statusCode int, errKind string) {
	if s.logger == nil {
		return
	}
	s.logger.LogRequest(logging.RequestLog{
		Timestamp:   start,
		RequestID:   requestID,
		ClientIP:    clientIP,
		Method:      r.Method,
		Path:        r.URL.Path,
		APIKeyName:  keyName,
		Backend:     backendName,
		Model:       model,
		NumImages:   numImages,
		QueueWaitMs: queueWaitMs,
		StatusCode:  statusCode,
		Duration:    float64(time.Since(start).Microseconds()) / 1000.0,
		ErrorKind:   errKind,
	})
}

func errorKindOf(err error) string {
	if gwErr, ok := err.(*backend.Error); ok {
		return string(gwErr.Kind)
	}
	return string(backend.KindInternal)
}

// statusForKind maps the gateway error categories to HTTP statuses.
func statusForKind(kind backend.Kind) int {
	switch kind {
	case backend.KindBackendNotFound:
		return http.StatusNotFound
	case backend.KindNoHealthyBackends:
		return http.StatusServiceUnavailable
	case backend.KindInvalidRequest:
		return http.StatusBadRequest
	case backend.KindTimeout:
		return http.StatusGatewayTimeout
	case backend.KindBackendError, backend.KindTransportFailed:
		return http.StatusBadGateway
	case backend.KindQueueFull:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) int {
	gwErr, ok := err.(*backend.Error)
	if !ok {
		gwErr = backend.NewError(backend.KindInternal, err.Error())
	}
	status := statusForKind(gwErr.Kind)

	var resp errorResponse
	resp.Error.Kind = string(gwErr.Kind)
	resp.Error.Message = gwErr.Message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
	return status
}

type backendStatusResponse struct {
	Name      string `json:"name"`
	Protocol  string `json:"protocol"`
	Enabled   bool   `json:"enabled"`
	Healthy   bool   `json:"healthy"`
	Weight    int    `json:"weight"`
	Endpoints int    `json:"endpoints"`
}

func (s *Server) handleAdminBackends(w http.ResponseWriter, r *http.Request) {
	all := s.reg.GetAll()
	out := make([]backendStatusResponse, 0, len(all))
	for _, b := range all {
		out = append(out, backendStatusResponse{
			Name:      b.Name,
			Protocol:  b.Protocol,
			Enabled:   b.IsEnabled(),
			Healthy:   s.monitor.IsHealthy(b.Name),
			Weight:    b.Weight,
			Endpoints: len(b.Endpoints),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleAdminMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not available", http.StatusServiceUnavailable)
		return
	}
	s.metrics.Handler()(w, r)
}

func (s *Server) handleAdminMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if s.promExp == nil {
		http.Error(w, "prometheus metrics not available", http.StatusServiceUnavailable)
		return
	}
	s.promExp.Handler().ServeHTTP(w, r)
}

func (s *Server) handleAdminProbe(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	healthy, err := s.monitor.ForceProbe(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"name": name, "healthy": healthy})
}
