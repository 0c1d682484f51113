// Package server is the per-project HTTP daemon. Once an index is warm,
// search and ask requests from the CLI are answered here instead of opening
// the store again.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dshills/osgrep/internal/engine"
	"github.com/dshills/osgrep/internal/indexer"
	"github.com/dshills/osgrep/internal/logging"
	"github.com/dshills/osgrep/internal/searcher"
	"github.com/dshills/osgrep/internal/store"
	"github.com/dshills/osgrep/pkg/types"
)

const (
	maxRequestBytes = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Backend is what the daemon serves. *engine.Engine implements it.
type Backend interface {
	Search(ctx context.Context, query string, p engine.SearchParams) ([]types.SearchResult, error)
	Ask(ctx context.Context, question string, p engine.SearchParams) (*store.AskResponse, error)
	Index(ctx context.Context, opts engine.IndexOptions) (*indexer.Statistics, error)
	Status(ctx context.Context) (*engine.Status, error)
}

// Options configures a Server
type Options struct {
	Host string
	Port int // 0 picks a free port

	// AuthToken protects every route except /health. Empty disables auth.
	AuthToken string

	Logger *slog.Logger
}

// Server serves one project over HTTP
type Server struct {
	backend Backend
	opts    Options
	logger  *slog.Logger

	listener net.Listener
	http     *http.Server
}

// New creates a server. Call Listen, then Serve.
func New(b Backend, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	s := &Server{backend: b, opts: opts, logger: logger}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Post("/search", s.handleSearch)
		r.Post("/ask", s.handleAsk)
		r.Post("/index", s.handleIndex)
		r.Get("/status", s.handleStatus)
	})
	return r
}

// Listen binds the port. The chosen port is available from Port afterwards.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = l
	return nil
}

// Port returns the bound port, or 0 before Listen
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Serve handles requests until ctx is cancelled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.listener.Addr().String())
		errCh <- s.http.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := s.logger.With(
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
		)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(logging.WithLogger(r.Context(), logger)))
		logger.Debug("request handled", "status", ww.Status(), "duration", time.Since(start))
	})
}

func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status string `json:"status"`
	PID    int    `json:"pid,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", PID: os.Getpid()})
}

// SearchRequest is the body of POST /search and POST /ask
type SearchRequest struct {
	Query      string `json:"query"`
	TopK       int    `json:"top_k,omitempty"`
	Rerank     *bool  `json:"rerank,omitempty"`
	Mode       string `json:"mode,omitempty"`
	PathPrefix string `json:"path_prefix,omitempty"`
	PathGlob   string `json:"path_glob,omitempty"`
}

func (r SearchRequest) params() engine.SearchParams {
	return engine.SearchParams{
		TopK:       r.TopK,
		Rerank:     r.Rerank,
		Mode:       searcher.SearchMode(r.Mode),
		PathPrefix: r.PathPrefix,
		PathGlob:   r.PathGlob,
	}
}

// SearchResponse is returned by POST /search
type SearchResponse struct {
	Results []types.SearchResult `json:"results"`
}

func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (SearchRequest, bool) {
	var req SearchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return req, false
	}
	if req.TopK < 0 || req.TopK > 100 {
		writeError(w, http.StatusBadRequest, "top_k must be between 1 and 100")
		return req, false
	}
	mode, err := searcher.ParseSearchMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	req.Mode = string(mode)
	return req, true
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	results, err := s.backend.Search(r.Context(), req.Query, req.params())
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	if results == nil {
		results = []types.SearchResult{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	resp, err := s.backend.Ask(r.Context(), req.Query, req.params())
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// IndexRequest is the body of POST /index
type IndexRequest struct {
	Force bool `json:"force,omitempty"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req IndexRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	stats, err := s.backend.Index(r.Context(), engine.IndexOptions{Force: req.Force})
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.Status(r.Context())
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) writeBackendError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, indexer.ErrLockHeld):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, searcher.ErrInvalidMode):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		// client went away
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logging.FromContext(r.Context()).Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
