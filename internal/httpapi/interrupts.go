package httpapi

import (
	"net/http"
	"strings"

	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/types"
)

func (s *Server) handleInterrupts(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Interrupts == nil {
		writeAPIError(w, huberr.New(huberr.CodeInterruptNotFound, "interrupt subsystem not configured"))
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	filter := types.InterruptFilter{
		RunID:   strings.TrimSpace(q.Get("runId")),
		AgentID: strings.TrimSpace(q.Get("agentId")),
		Status:  types.InterruptStatus(strings.TrimSpace(q.Get("status"))),
		Type:    types.InterruptType(strings.TrimSpace(q.Get("type"))),
		Limit:   parseIntQuery(q.Get("limit"), 0),
		Offset:  parseIntQuery(q.Get("offset"), 0),
	}
	interrupts, err := s.cfg.Interrupts.List(r.Context(), filter)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeData(w, http.StatusOK, interrupts)
}

func (s *Server) handleInterruptSubresources(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Interrupts == nil {
		writeAPIError(w, huberr.New(huberr.CodeInterruptNotFound, "interrupt subsystem not configured"))
		return
	}
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/cap/interrupts/"))
	if len(parts) == 0 {
		writeAPIError(w, huberr.New(huberr.CodeValidation, "interrupt id is required"))
		return
	}
	interruptID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		in, err := s.cfg.Interrupts.Get(r.Context(), interruptID)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeData(w, http.StatusOK, in)
		return
	}

	if parts[1] != "resolve" {
		writeAPIError(w, huberr.New(huberr.CodeValidation, "unknown interrupt subresource"))
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var response types.InterruptResponse
	if err := decodeJSON(r, &response); err != nil {
		writeAPIError(w, err)
		return
	}
	in, err := s.cfg.Interrupts.Resolve(r.Context(), interruptID, response)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeData(w, http.StatusOK, in)
}
