package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orchestrahub/hub/internal/bus"
	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/types"
)

// upgrader accepts same-origin and cross-origin callers alike: the Hub
// core has no browser session of its own to protect (§1 Non-goals), so
// there is no CSRF surface an Origin check would defend.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsInboundMessage is the one client-to-server message this transport
// accepts: a resolution for an interrupt raised on the run being watched,
// letting a UI resolve without a second HTTP round-trip to /resolve.
type wsInboundMessage struct {
	Type        string                   `json:"type"`
	InterruptID string                   `json:"interruptId"`
	Response    types.InterruptResponse  `json:"response"`
}

// streamRunWS is the bidirectional alternative to streamRunSSE (spec §9
// ambient-stack note carried from the teacher's devui, which offers both
// an SSE and a gorilla/websocket transport for the same event feed): the
// server pushes the same Event Bus events SSE would, and additionally
// accepts an inbound "resolve_interrupt" message so a connected client
// doesn't need a second HTTP request to unblock a suspended run.
func (s *Server) streamRunWS(w http.ResponseWriter, r *http.Request, runID string) {
	if s.cfg.Events == nil {
		writeAPIError(w, huberr.New(huberr.CodeRunExecutionFailed, "event bus not configured"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id, ch := s.cfg.Events.Subscribe(64, bus.DropOldest)
	defer s.cfg.Events.Unsubscribe(id)

	done := make(chan struct{})
	go s.readWSInbound(conn, runID, done)

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.RunID != runID {
				continue
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			if isTerminalEvent(event.Name) {
				return
			}
		}
	}
}

func (s *Server) readWSInbound(conn *websocket.Conn, runID string, done chan<- struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsInboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type != "resolve_interrupt" || s.cfg.Interrupts == nil {
			continue
		}
		_, _ = s.cfg.Interrupts.Resolve(context.Background(), msg.InterruptID, msg.Response)
		_ = runID
	}
}
