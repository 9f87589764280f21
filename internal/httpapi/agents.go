package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/orchestrahub/hub/internal/agentregistry"
	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/types"
)

// agentView adds a couple of human-readable fields to types.Agent for
// operators reading the JSON response by hand — humanize.Time renders
// the last health check as "32 seconds ago" alongside the raw RFC3339
// timestamp, the way the teacher's devui frontend does client-side (here
// it's server-rendered since the Hub core has no frontend of its own).
type agentView struct {
	types.Agent
	HealthCheckedAgo string `json:"healthCheckedAgo,omitempty"`
}

func toAgentView(a types.Agent) agentView {
	v := agentView{Agent: a}
	if a.Health != nil && !a.Health.CheckedAt.IsZero() {
		v.HealthCheckedAgo = humanize.Time(a.Health.CheckedAt)
	}
	return v
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Registry == nil {
		writeAPIError(w, huberr.New(huberr.CodeAgentNotReady, "agent registry not configured"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		criteria := types.DiscoverCriteria{
			System: strings.TrimSpace(q.Get("system")),
			Type:   strings.TrimSpace(q.Get("type")),
			Status: types.AgentStatus(strings.TrimSpace(q.Get("status"))),
			Limit:  parseIntQuery(q.Get("limit"), 0),
			Offset: parseIntQuery(q.Get("offset"), 0),
		}
		agents, err := s.cfg.Registry.Discover(r.Context(), criteria)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		views := make([]agentView, 0, len(agents))
		for _, a := range agents {
			views = append(views, toAgentView(a))
		}
		writeData(w, http.StatusOK, views)

	case http.MethodPost:
		body, err := readBody(r)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		if err := validateAgainst(agentRegisterSchema, body); err != nil {
			writeAPIError(w, err)
			return
		}
		var req agentRegisterRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeAPIError(w, huberr.Wrap(huberr.CodeValidation, "invalid request body", err))
			return
		}
		agent, err := s.cfg.Registry.Register(r.Context(), req.toSpec())
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeData(w, http.StatusCreated, toAgentView(agent))

	default:
		methodNotAllowed(w)
	}
}

type agentRegisterRequest struct {
	AgentID      string             `json:"agentId"`
	Version      types.Version      `json:"version"`
	System       string             `json:"system"`
	Type         string             `json:"type"`
	DisplayName  string             `json:"displayName"`
	Capabilities types.Capabilities `json:"capabilities"`
	Extensions   types.Extensions   `json:"extensions"`
}

func (req agentRegisterRequest) toSpec() agentregistry.AgentSpec {
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		agentID = agentregistry.NewAgentID()
	}
	return agentregistry.AgentSpec{
		AgentID:      agentID,
		Version:      req.Version,
		System:       req.System,
		Type:         req.Type,
		DisplayName:  req.DisplayName,
		Capabilities: req.Capabilities,
		Extensions:   req.Extensions,
	}
}

func (s *Server) handleAgentDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.cfg.Registry == nil {
		writeAPIError(w, huberr.New(huberr.CodeAgentNotReady, "agent registry not configured"))
		return
	}
	var criteria types.DiscoverCriteria
	if err := decodeJSON(r, &criteria); err != nil {
		writeAPIError(w, err)
		return
	}
	agents, err := s.cfg.Registry.Discover(r.Context(), criteria)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, toAgentView(a))
	}
	writeData(w, http.StatusOK, views)
}

func (s *Server) handleAgentSubresources(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Registry == nil {
		writeAPIError(w, huberr.New(huberr.CodeAgentNotReady, "agent registry not configured"))
		return
	}
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/cap/agents/"))
	if len(parts) == 0 {
		writeAPIError(w, huberr.New(huberr.CodeValidation, "agent id is required"))
		return
	}
	agentID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			agent, err := s.cfg.Registry.Get(r.Context(), agentID)
			if err != nil {
				writeAPIError(w, err)
				return
			}
			writeData(w, http.StatusOK, toAgentView(agent))

		case http.MethodPut:
			var patch types.AgentPatch
			if err := decodeJSON(r, &patch); err != nil {
				writeAPIError(w, err)
				return
			}
			agent, err := s.cfg.Registry.Update(r.Context(), agentID, patch)
			if err != nil {
				writeAPIError(w, err)
				return
			}
			writeData(w, http.StatusOK, toAgentView(agent))

		case http.MethodDelete:
			if err := s.cfg.Registry.Delete(r.Context(), agentID); err != nil {
				writeAPIError(w, err)
				return
			}
			writeData(w, http.StatusOK, map[string]any{"deleted": agentID})

		default:
			methodNotAllowed(w)
		}
		return
	}

	if parts[1] == "health" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		agent, err := s.cfg.Registry.Get(r.Context(), agentID)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		health := agent.Health
		if health == nil {
			health = &types.HealthStatus{Level: types.HealthUnknown, CheckedAt: time.Time{}}
		}
		writeData(w, http.StatusOK, health)
		return
	}

	writeAPIError(w, huberr.New(huberr.CodeValidation, "unknown agent subresource"))
}
