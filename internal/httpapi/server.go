// Package httpapi implements the Hub's HTTP/JSON/SSE transport (spec §6):
// the wire-compatible surface fixed bit-for-bit by the routing table,
// JSON success/error envelope, and status-code mapping. It is grounded on
// the teacher's devui/api/server.go — a bare net/http.ServeMux with
// manual method dispatch and path-suffix parsing rather than a router
// library, writeJSON/writeError helpers, and a graceful-shutdown
// ListenAndServe wrapper — retargeted from the teacher's dev-console API
// (runs/sessions/tools/playground) onto the Hub's agents/threads/runs/
// interrupts surface. Unlike the teacher's devui, the Hub core assumes
// callers are already authenticated upstream (spec §1 Non-goals: "auth
// and multi-tenancy are out of scope"), so there is no principal/API-key
// gate here — every request reaches its handler directly.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orchestrahub/hub/internal/agentregistry"
	"github.com/orchestrahub/hub/internal/bus"
	"github.com/orchestrahub/hub/internal/executor"
	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/interrupt"
	"github.com/orchestrahub/hub/internal/threadstore"
)

// Config wires the Server to the services it fronts.
type Config struct {
	Addr       string
	Registry   *agentregistry.Registry
	Threads    *threadstore.Service
	Executor   *executor.Executor
	Interrupts *interrupt.Service
	Events     *bus.Bus
}

// Server is the Hub's HTTP transport.
type Server struct {
	cfg  Config
	mux  *http.ServeMux
	http *http.Server
	once sync.Once
}

// NewServer builds a Server and registers every route up front.
func NewServer(cfg Config) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.registerRoutes()
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.mux}
	return s
}

// Handler exposes the underlying mux, e.g. for tests using httptest.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.mux
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully with a bounded timeout — mirrors the teacher's
// devui/api.Server.ListenAndServe.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("httpapi: server is nil")
	}
	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			log.Printf("httpapi: shutdown error: %v", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close shuts the server down immediately; idempotent.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var outErr error
	s.once.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		outErr = s.http.Shutdown(shutdownCtx)
	})
	return outErr
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/cap/agents", s.handleAgents)
	s.mux.HandleFunc("/api/cap/agents/discover", s.handleAgentDiscover)
	s.mux.HandleFunc("/api/cap/agents/", s.handleAgentSubresources)

	s.mux.HandleFunc("/api/cap/threads", s.handleThreads)
	s.mux.HandleFunc("/api/cap/threads/", s.handleThreadSubresources)

	s.mux.HandleFunc("/api/cap/runs", s.handleRuns)
	s.mux.HandleFunc("/api/cap/runs/", s.handleRunSubresources)

	s.mux.HandleFunc("/api/cap/interrupts", s.handleInterrupts)
	s.mux.HandleFunc("/api/cap/interrupts/", s.handleInterruptSubresources)
}

// --- envelope + shared helpers -------------------------------------------------

type envelope struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Error   *errBody `json:"error,omitempty"`
}

type errBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// writeAPIError renders err per the §6 envelope, mapping its huberr.Code
// to an HTTP status via huberr.StatusFor. Errors that aren't a *huberr.Error
// (a decode failure, a nil dependency) are reported as CAP_INTERNAL/500.
func writeAPIError(w http.ResponseWriter, err error) {
	if err == nil {
		err = fmt.Errorf("unknown error")
	}
	body := errBody{Code: string(huberr.CodeOf(err)), Message: err.Error()}
	var he *huberr.Error
	if errors.As(err, &he) {
		body.Message = he.Message
		body.Details = he.Context
	}
	if body.Code == "" {
		body.Code = "CAP_INTERNAL"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(huberr.StatusFor(err))
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: &body})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeAPIError(w, huberr.New(huberr.CodeValidation, "method not allowed"))
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return huberr.New(huberr.CodeValidation, "request body is required")
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return huberr.Wrap(huberr.CodeValidation, "invalid request body", err)
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIntQuery(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return n
}
