// Package server implements the HTTP/2 request-serving core: admission,
// per-request completion accounting, finalization and cleanup. The wire
// protocol is consumed as a black box via golang.org/x/net/http2; the
// authorization decision is consumed via the authz capability.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"frontdoor/pkg/authz"
	"frontdoor/pkg/cmap"
	"frontdoor/pkg/executor"
	"frontdoor/pkg/logger"
	"frontdoor/pkg/request"
	"frontdoor/pkg/status"
	"frontdoor/pkg/telemetry"
)

const stopDrainTimeout = 5 * time.Second

// FinalizedRequest describes one finished request for the optional
// finalization hook (journaling, audit).
type FinalizedRequest struct {
	RequestID  uuid.UUID
	ActivityID uuid.UUID
	Method     string
	Path       string
	HTTPStatus int
	Code       uint64
	Identity   string
	Duration   time.Duration
}

// Config is the construction-time configuration of the server core.
type Config struct {
	Host                 string
	Port                 int // 0 selects an ephemeral port
	WorkerPoolSize       int
	UseTLS               bool
	PrivateKeyFile       string
	CertificateChainFile string
	MaxBodyBytes         int64

	// Authorizer is required; every request runs its authorization leg
	// through it.
	Authorizer authz.Authorizer
	// Executor runs authorization continuations and handler dispatch.
	// When nil the server creates its own pool of WorkerPoolSize.
	Executor executor.Executor
	// Metrics is optional; nil disables metric emission.
	Metrics *telemetry.Metrics
	// OnFinalized is an optional hook invoked after each finalization.
	OnFinalized func(FinalizedRequest)
}

type serverState int

const (
	stateStopped serverState = iota
	stateRunning
)

type routeKey struct {
	method string
	path   string
}

// Server is the request-serving core. Its lifecycle is
// Stopped -> Running -> Stopped; Init is idempotent and must succeed
// before Run when TLS is enabled.
type Server struct {
	cfg  Config
	exec executor.Executor

	routes cmap.Map[routeKey, request.Handler]
	active cmap.Map[uuid.UUID, *syncContext]

	mu          sync.Mutex
	state       serverState
	initialized bool
	tlsConfig   *tls.Config
	httpSrv     *http.Server
	ln          net.Listener
}

// New builds a server from cfg. Call Init, then Run.
func New(cfg Config) *Server {
	exec := cfg.Executor
	if exec == nil {
		exec = executor.NewPool(cfg.WorkerPoolSize, 0)
	}
	return &Server{cfg: cfg, exec: exec}
}

// Init performs one-time setup. With TLS enabled it builds the TLS
// context from the configured key and certificate chain files; a
// missing or unparsable file fails with status.ErrTLSInit and the
// server cannot start. Init is idempotent.
func (s *Server) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initLocked()
}

func (s *Server) initLocked() error {
	if s.initialized {
		return nil
	}
	if s.cfg.UseTLS {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertificateChainFile, s.cfg.PrivateKeyFile)
		if err != nil {
			logger.Error("tls_init_failed",
				"key_file", s.cfg.PrivateKeyFile,
				"cert_file", s.cfg.CertificateChainFile,
				"error", err)
			return fmt.Errorf("%w: %v", status.ErrTLSInit, err)
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
			MinVersion:   tls.VersionTLS12,
		}
	}
	s.initialized = true
	return nil
}

// Run transitions Stopped -> Running and begins accepting connections.
// Calling Run while already running fails with status.ErrAlreadyRunning
// and has no other effect.
func (s *Server) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateRunning {
		return status.ErrAlreadyRunning
	}
	if err := s.initLocked(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	handler := http.Handler(http.HandlerFunc(s.serveHTTP))
	h2srv := &http2.Server{}
	srv := &http.Server{Handler: handler}
	if s.cfg.UseTLS {
		ln = tls.NewListener(ln, s.tlsConfig)
		if err := http2.ConfigureServer(srv, h2srv); err != nil {
			_ = ln.Close()
			return fmt.Errorf("configure http2: %w", err)
		}
	} else {
		// cleartext HTTP/2 with prior knowledge, plus plain HTTP/1.1
		srv.Handler = h2c.NewHandler(handler, h2srv)
	}

	s.ln = ln
	s.httpSrv = srv
	s.state = stateRunning
	logger.Info("server_running", "addr", ln.Addr().String(), "tls", s.cfg.UseTLS)

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("server_serve_exited", "error", err)
		}
	}()
	return nil
}

// Stop transitions Running -> Stopped and drains the transport layer.
// Calling Stop while already stopped fails with status.ErrAlreadyStopped.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateRunning {
		return status.ErrAlreadyStopped
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopDrainTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		// drain timed out; hard-close remaining connections
		_ = s.httpSrv.Close()
	}
	s.httpSrv = nil
	s.ln = nil
	s.state = stateStopped
	logger.Info("server_stopped")
	return nil
}

// Addr returns the bound listen address, or "" when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// RegisterResourceHandler registers handler for (method, path). A second
// registration for the same pair fails with status.ErrEntryExists and
// leaves the first handler active.
func (s *Server) RegisterResourceHandler(method, path string, handler request.Handler) error {
	if handler == nil {
		return fmt.Errorf("nil handler for %s %s", method, path)
	}
	key := routeKey{method: strings.ToUpper(method), path: path}
	if err := s.routes.Insert(key, handler); err != nil {
		return err
	}
	logger.Info("route_registered", "method", key.method, "path", path)
	return nil
}

// ActiveCount reports the number of admitted, unfinalized requests.
func (s *Server) ActiveCount() int {
	return s.active.Len()
}

// InflightRequest is a snapshot of one admitted request, used by the
// maintenance sweeper.
type InflightRequest struct {
	ID      uuid.UUID
	Method  string
	Path    string
	Age     time.Duration
	Pending int32
}

// Inflight snapshots the currently admitted requests.
func (s *Server) Inflight() []InflightRequest {
	now := time.Now()
	var out []InflightRequest
	s.active.Range(func(id uuid.UUID, sc *syncContext) bool {
		out = append(out, InflightRequest{
			ID:      id,
			Method:  sc.transport.Method,
			Path:    sc.transport.Path,
			Age:     now.Sub(sc.admitted),
			Pending: sc.pending.Load(),
		})
		return true
	})
	return out
}
