// Package server exposes a running conformance monitor over HTTP.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/logflow/skelstream/pkg/conformance"
	"github.com/logflow/skelstream/pkg/interfaces"
	"github.com/logflow/skelstream/pkg/lifecycle"
	"github.com/logflow/skelstream/pkg/skeleton"
	"github.com/logflow/skelstream/pkg/sources"
)

// DefaultMaxBodySize limits POST /api/events bodies.
const DefaultMaxBodySize = 16 << 20

// maxReportedErrors caps per-line errors echoed back to clients.
const maxReportedErrors = 10

// caseLookup is implemented by monitors that expose per-case state.
type caseLookup interface {
	Case(caseID string) (conformance.CaseSnapshot, bool)
}

// Server handles HTTP requests against one monitor.
type Server struct {
	monitor conformance.Monitor
	broker  *SSEBroker
	metrics http.Handler
	logger  *zap.Logger
	mux     *http.ServeMux
	version string
	maxBody int64
	started time.Time
	drain   *lifecycle.ShutdownManager
	auth    interfaces.Authenticator
}

// Option configures a Server.
type Option func(*Server)

// WithBroker sets the SSE broker. Register its PublishDeviation as the
// monitor's deviation handler so /api/stream sees new deviations.
func WithBroker(b *SSEBroker) Option {
	return func(s *Server) {
		if b != nil {
			s.broker = b
		}
	}
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVersion sets the version reported by /api/health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithShutdownManager makes ingestion drain-aware: new POSTs are refused
// and /api/health reports draining once m begins shutting down.
func WithShutdownManager(m *lifecycle.ShutdownManager) Option {
	return func(s *Server) {
		s.drain = m
	}
}

// WithAuthenticator requires callers of POST /api/events to present a
// token in the Authorization (Bearer) or X-API-Key header. Read endpoints
// stay open.
func WithAuthenticator(a interfaces.Authenticator) Option {
	return func(s *Server) {
		s.auth = a
	}
}

// WithMaxBodySize limits event ingestion bodies.
func WithMaxBodySize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// New creates a server for monitor. The monitor must be safe for concurrent
// use.
func New(monitor conformance.Monitor, opts ...Option) *Server {
	s := &Server{
		monitor: monitor,
		broker:  NewSSEBroker(),
		logger:  zap.NewNop(),
		mux:     http.NewServeMux(),
		version: "dev",
		maxBody: DefaultMaxBodySize,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP handlers.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/deviations", s.handleDeviations)
	s.mux.HandleFunc("GET /api/cases/{id}", s.handleCase)
	s.mux.HandleFunc("POST /api/events", s.handleEvents)
	s.mux.Handle("GET /api/stream", s.broker.Handler(s.monitor.Stats))
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// Broker returns the SSE broker.
func (s *Server) Broker() *SSEBroker {
	return s.broker
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully. SSE clients are disconnected first.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(s.broker.Close)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if s.drain != nil && s.drain.IsDraining() {
		status, code = "draining", http.StatusServiceUnavailable
	}
	jsonResponse(w, code, map[string]interface{}{
		"status":         status,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"subscribers":    s.broker.Subscribers(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.monitor.Stats())
}

// handleDeviations serves GET /api/deviations?kind=&case=&limit=. With a
// limit, the most recent deviations are returned.
func (s *Server) handleDeviations(w http.ResponseWriter, r *http.Request) {
	kind, caseID, err := parseFilter(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			jsonError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
	}

	res := s.monitor.CurrentResult().Filter(kind, caseID)
	total := res.Len()
	if limit > 0 && total > limit {
		res.Deviations = res.Deviations[total-limit:]
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"total":      total,
		"deviations": res.Deviations,
	})
}

func (s *Server) handleCase(w http.ResponseWriter, r *http.Request) {
	lookup, ok := s.monitor.(caseLookup)
	if !ok {
		jsonError(w, "case inspection not supported", http.StatusNotImplemented)
		return
	}

	id := r.PathValue("id")
	snap, found := lookup.Case(id)
	if !found {
		jsonError(w, "case not found", http.StatusNotFound)
		return
	}

	res := s.monitor.CurrentResult().Filter(nil, id)
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"case_id":    id,
		"state":      snap,
		"deviations": res.Deviations,
	})
}

// IngestResult reports how a POST /api/events body was handled.
type IngestResult struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// handleEvents accepts a single JSON object, a JSON array of objects, or
// JSON lines, and feeds each event to the monitor in body order.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.drain != nil {
		if !s.drain.StartRequest() {
			w.Header().Set("Retry-After", "5")
			jsonError(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		defer s.drain.EndRequest()
	}

	identity := interfaces.Anonymous
	if s.auth != nil {
		id, err := s.auth.Authenticate(r.Context(), requestToken(r))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="skelstream"`)
			jsonError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		identity = id
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	events, res := decodeBody(body)
	for _, e := range events {
		s.monitor.Receive(e)
	}

	if res.Accepted == 0 && res.Rejected > 0 {
		jsonResponse(w, http.StatusBadRequest, res)
		return
	}
	s.logger.Debug("events ingested",
		zap.String("identity", identity.ID()),
		zap.Int("accepted", res.Accepted),
		zap.Int("rejected", res.Rejected))
	jsonResponse(w, http.StatusAccepted, res)
}

// requestToken extracts an API token from the request headers.
func requestToken(r *http.Request) string {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func decodeBody(body []byte) ([]conformance.Event, IngestResult) {
	var res IngestResult
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, res
	}

	if trimmed[0] == '[' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var events []conformance.Event
		if err := dec.Decode(&events); err != nil {
			res.Rejected = 1
			res.Errors = []string{err.Error()}
			return nil, res
		}
		var out []conformance.Event
		for i, e := range events {
			if e == nil {
				res.reject(fmt.Sprintf("element %d: event must be a JSON object", i))
				continue
			}
			out = append(out, e)
		}
		res.Accepted = len(out)
		return out, res
	}

	if e, err := sources.DecodeLine(trimmed); err == nil {
		res.Accepted = 1
		return []conformance.Event{e}, res
	}

	var out []conformance.Event
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 0, 64*1024), len(trimmed)+1)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		e, err := sources.DecodeLine(raw)
		if err != nil {
			res.reject(fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		out = append(out, e)
	}
	res.Accepted = len(out)
	return out, res
}

func (r *IngestResult) reject(msg string) {
	r.Rejected++
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, msg)
	}
}

func parseFilter(r *http.Request) (*skeleton.Kind, string, error) {
	q := r.URL.Query()
	var kind *skeleton.Kind
	if v := q.Get("kind"); v != "" {
		k, err := skeleton.ParseKind(v)
		if err != nil {
			return nil, "", err
		}
		kind = &k
	}
	return kind, q.Get("case"), nil
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	jsonResponse(w, status, map[string]string{"error": message})
}
