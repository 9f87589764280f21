package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/orchestrahub/hub/internal/bus"
	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/types"
)

type runSubmitRequest struct {
	AgentID  string           `json:"agentId"`
	ThreadID string           `json:"threadId,omitempty"`
	Input    types.RunInput   `json:"input"`
	Options  types.RunOptions `json:"options,omitempty"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Executor == nil {
		writeAPIError(w, huberr.New(huberr.CodeRunExecutionFailed, "executor not configured"))
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := validateAgainst(runSubmitSchema, body); err != nil {
		writeAPIError(w, err)
		return
	}
	if op := peekOperation(body); op != "" {
		log.Printf("httpapi: run submit requested operation=%s", op)
	}
	var req runSubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeAPIError(w, huberr.Wrap(huberr.CodeValidation, "invalid request body", err))
		return
	}
	run, err := s.cfg.Executor.Submit(r.Context(), req.AgentID, req.ThreadID, req.Input, req.Options)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeData(w, http.StatusCreated, run)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleRunSubresources(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Executor == nil {
		writeAPIError(w, huberr.New(huberr.CodeRunExecutionFailed, "executor not configured"))
		return
	}
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/cap/runs/"))
	if len(parts) == 0 {
		writeAPIError(w, huberr.New(huberr.CodeValidation, "run id is required"))
		return
	}
	runID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		run, err := s.cfg.Executor.Get(r.Context(), runID)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeData(w, http.StatusOK, run)
		return
	}

	switch parts[1] {
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req cancelRequest
		_ = decodeJSON(r, &req) // a cancel with no body/reason is valid
		if err := s.cfg.Executor.Cancel(r.Context(), runID, req.Reason); err != nil {
			writeAPIError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"cancelled": runID})

	case "stream":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.streamRunSSE(w, r, runID)

	case "ws":
		s.streamRunWS(w, r, runID)

	default:
		writeAPIError(w, huberr.New(huberr.CodeValidation, "unknown run subresource"))
	}
}

// streamRunSSE relays Event Bus events for one run as a Server-Sent Events
// stream (§6), closing once a terminal event for the run arrives.
func (s *Server) streamRunSSE(w http.ResponseWriter, r *http.Request, runID string) {
	if s.cfg.Events == nil {
		writeAPIError(w, huberr.New(huberr.CodeRunExecutionFailed, "event bus not configured"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, huberr.New(huberr.CodeRunExecutionFailed, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, ch := s.cfg.Events.Subscribe(64, bus.DropOldest)
	defer s.cfg.Events.Unsubscribe(id)

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.RunID != runID {
				continue
			}
			if !writeSSE(w, event) {
				return
			}
			flusher.Flush()
			if isTerminalEvent(event.Name) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event types.Event) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		return true
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, payload); err != nil {
		return false
	}
	return true
}

func isTerminalEvent(name types.EventName) bool {
	switch name {
	case types.EventRunCompleted, types.EventRunFailed:
		return true
	default:
		return false
	}
}
