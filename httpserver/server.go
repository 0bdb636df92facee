package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MayankPanda/cppbox/config"
	"github.com/MayankPanda/cppbox/limiter"
	"github.com/MayankPanda/cppbox/orchestrator"
	"github.com/MayankPanda/cppbox/result"
)

const (
	readHeaderTimeout = 10 * time.Second
	healthTimeout     = 3 * time.Second
)

// Runner executes compile-and-run requests and reports backend health.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) result.Result
	Ping(ctx context.Context) error
}

// RunRequest is the body of POST /run_cpp_code. CppCode is the field name
// used by earlier clients and is read when SourceCode is absent.
type RunRequest struct {
	SourceCode *string `json:"source_code"`
	CppCode    *string `json:"cpp_code"`
	Compiler   string  `json:"compiler"`
}

type outputResponse struct {
	Output string `json:"output"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Server is the HTTP boundary
type Server struct {
	config      *config.Config
	logger      *zap.Logger
	runner      Runner
	limiter     *limiter.RateLimiter
	mcpHandler  http.Handler
	httpServer  *http.Server
	maxBodySize int64
}

// New creates a Server. mcpHandler may be nil to leave /mcp unmounted.
func New(cfg *config.Config, logger *zap.Logger, runner Runner, rl *limiter.RateLimiter, mcpHandler http.Handler) *Server {
	s := &Server{
		config:      cfg,
		logger:      logger,
		runner:      runner,
		limiter:     rl,
		mcpHandler:  mcpHandler,
		maxBodySize: int64(cfg.Server.MaxRequestKB) * 1024,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /run_cpp_code", s.limit(http.HandlerFunc(s.handleRun)))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.mcpHandler != nil {
		mux.Handle("/mcp", s.limit(s.mcpHandler))
	}
	return mux
}

func (s *Server) limit(h http.Handler) http.Handler {
	if s.limiter == nil {
		return h
	}
	return s.limiter.Middleware(h)
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("starting HTTP server", zap.String("addr", ln.Addr().String()), zap.Bool("mcp", s.mcpHandler != nil))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
			})
			return
		}
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	source := req.SourceCode
	if source == nil {
		source = req.CppCode
	}
	if source == nil || strings.TrimSpace(*source) == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "source_code is required"})
		return
	}

	res := s.runner.Run(r.Context(), orchestrator.Request{SourceCode: *source, Compiler: req.Compiler})
	if res.OK() {
		s.writeJSON(w, http.StatusOK, outputResponse{Output: res.Output})
		return
	}
	s.writeJSON(w, http.StatusOK, errorResponse{Error: res.Detail, Kind: res.Kind.String()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.runner.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "backend": s.config.Sandbox.Backend})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "backend": s.config.Sandbox.Backend})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}
