package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// Default server timeouts, used when a HTTPListenerConfig leaves the
// corresponding field zero.
const (
	DefaultReadTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1MB
)

// HTTPListener wraps an *http.Server with connection-state tracking and
// graceful shutdown, the transport the apiserver is served over. It does
// not participate in request dispatch; it only bounds the socket-level
// lifecycle around whatever Handler the apiserver builds.
type HTTPListener struct {
	addr        string
	tlsConfig   *tls.Config
	handler     http.Handler
	server      *http.Server
	listener    net.Listener
	activeConns int64 // atomic counter for active connections

	readTimeout       time.Duration
	writeTimeout      time.Duration
	idleTimeout       time.Duration
	readHeaderTimeout time.Duration
	maxHeaderBytes    int

	onConnStateChange func(active int64)
}

// HTTPListenerConfig configures the HTTP listener. Timeout fields left at
// zero fall back to the Default* constants above.
type HTTPListenerConfig struct {
	Addr      string
	TLSConfig *tls.Config
	Handler   http.Handler

	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	MaxHeaderBytes    int

	// OnConnStateChange, if set, is invoked after every connection-state
	// transition with the current active-connection count. The gateway
	// wires this to Metrics.SetActiveConnections so /admin/metrics reflects
	// live socket load alongside queue depth.
	OnConnStateChange func(active int64)
}

// NewHTTPListener creates a new HTTP/HTTPS listener.
func NewHTTPListener(cfg HTTPListenerConfig) *HTTPListener {
	l := &HTTPListener{
		addr:              cfg.Addr,
		tlsConfig:         cfg.TLSConfig,
		handler:           cfg.Handler,
		readTimeout:       cfg.ReadTimeout,
		writeTimeout:      cfg.WriteTimeout,
		idleTimeout:       cfg.IdleTimeout,
		readHeaderTimeout: cfg.ReadHeaderTimeout,
		maxHeaderBytes:    cfg.MaxHeaderBytes,
		onConnStateChange: cfg.OnConnStateChange,
	}
	if l.readTimeout <= 0 {
		l.readTimeout = DefaultReadTimeout
	}
	if l.writeTimeout <= 0 {
		l.writeTimeout = DefaultWriteTimeout
	}
	if l.idleTimeout <= 0 {
		l.idleTimeout = DefaultIdleTimeout
	}
	if l.readHeaderTimeout <= 0 {
		l.readHeaderTimeout = DefaultReadHeaderTimeout
	}
	if l.maxHeaderBytes <= 0 {
		l.maxHeaderBytes = DefaultMaxHeaderBytes
	}
	return l
}

// Start begins accepting HTTP connections.
func (l *HTTPListener) Start(ctx context.Context) error {
	var err error
	l.listener, err = net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}

	l.server = &http.Server{
		Handler:           l.handler,
		ReadTimeout:       l.readTimeout,
		WriteTimeout:      l.writeTimeout,
		IdleTimeout:       l.idleTimeout,
		ReadHeaderTimeout: l.readHeaderTimeout,
		MaxHeaderBytes:    l.maxHeaderBytes,
		ConnState:         l.trackConnState,
	}

	if l.tlsConfig != nil {
		l.server.TLSConfig = l.tlsConfig
		l.listener = tls.NewListener(l.listener, l.tlsConfig)
	}

	go func() {
		if err := l.server.Serve(l.listener); err != nil && err != http.ErrServerClosed {
			fmt.Printf("HTTP server error: %v\n", err)
		}
	}()

	return nil
}

// trackConnState tracks connection state changes for monitoring, reporting
// the updated active count to onConnStateChange if configured.
func (l *HTTPListener) trackConnState(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		atomic.AddInt64(&l.activeConns, 1)
	case http.StateClosed, http.StateHijacked:
		atomic.AddInt64(&l.activeConns, -1)
	default:
		return
	}
	if l.onConnStateChange != nil {
		l.onConnStateChange(atomic.LoadInt64(&l.activeConns))
	}
}

// ActiveConnections returns the number of active connections.
func (l *HTTPListener) ActiveConnections() int64 {
	return atomic.LoadInt64(&l.activeConns)
}

// Stop gracefully shuts down the HTTP listener, waiting for in-flight
// requests to complete or ctx to expire. The listener drains before the
// health monitor and queue are stopped.
func (l *HTTPListener) Stop(ctx context.Context) error {
	if l.server == nil {
		return nil
	}
	return l.server.Shutdown(ctx)
}

// Addr returns the listener address (actual bound address if available).
func (l *HTTPListener) Addr() string {
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.addr
}

// LoadTLSConfig loads TLS configuration from cert and key files.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}, nil
}
