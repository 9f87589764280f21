package httpapi

import (
	"net/http"
	"strings"

	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/types"
)

type threadCreateRequest struct {
	AgentID         string            `json:"agentId"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	InitialMessages []types.Message   `json:"initialMessages,omitempty"`
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Threads == nil {
		writeAPIError(w, huberr.New(huberr.CodeThreadNotFound, "thread store not configured"))
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req threadCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	thread, err := s.cfg.Threads.Create(r.Context(), req.AgentID, req.Metadata, req.InitialMessages)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeData(w, http.StatusCreated, thread)
}

type threadStatusUpdate struct {
	Status types.ThreadStatus `json:"status"`
}

type threadCloseRequest struct {
	Summary    *types.ThreadSummary `json:"summary,omitempty"`
	Resolution string               `json:"resolution,omitempty"`
}

func (s *Server) handleThreadSubresources(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Threads == nil {
		writeAPIError(w, huberr.New(huberr.CodeThreadNotFound, "thread store not configured"))
		return
	}
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/cap/threads/"))
	if len(parts) == 0 {
		writeAPIError(w, huberr.New(huberr.CodeValidation, "thread id is required"))
		return
	}
	threadID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			thread, err := s.cfg.Threads.Get(r.Context(), threadID)
			if err != nil {
				writeAPIError(w, err)
				return
			}
			writeData(w, http.StatusOK, thread)

		case http.MethodPut:
			var req threadStatusUpdate
			if err := decodeJSON(r, &req); err != nil {
				writeAPIError(w, err)
				return
			}
			thread, err := s.cfg.Threads.UpdateStatus(r.Context(), threadID, req.Status)
			if err != nil {
				writeAPIError(w, err)
				return
			}
			writeData(w, http.StatusOK, thread)

		default:
			methodNotAllowed(w)
		}
		return
	}

	switch parts[1] {
	case "messages":
		switch r.Method {
		case http.MethodGet:
			q := r.URL.Query()
			filter := types.MessageFilter{
				SinceSeq: int64(parseIntQuery(q.Get("sinceSeq"), 0)),
				Limit:    parseIntQuery(q.Get("limit"), 0),
				Reverse:  q.Get("reverse") == "true",
			}
			messages, err := s.cfg.Threads.ListMessages(r.Context(), threadID, filter)
			if err != nil {
				writeAPIError(w, err)
				return
			}
			writeData(w, http.StatusOK, messages)

		case http.MethodPost:
			var message types.Message
			if err := decodeJSON(r, &message); err != nil {
				writeAPIError(w, err)
				return
			}
			message.ThreadID = threadID
			saved, err := s.cfg.Threads.Append(r.Context(), threadID, message)
			if err != nil {
				writeAPIError(w, err)
				return
			}
			writeData(w, http.StatusCreated, saved)

		default:
			methodNotAllowed(w)
		}

	case "close":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req threadCloseRequest
		if err := decodeJSON(r, &req); err != nil {
			writeAPIError(w, err)
			return
		}
		thread, err := s.cfg.Threads.Close(r.Context(), threadID, req.Summary, req.Resolution)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeData(w, http.StatusOK, thread)

	default:
		writeAPIError(w, huberr.New(huberr.CodeValidation, "unknown thread subresource"))
	}
}
