// Package delivery implements the Result Delivery Gateway (C10): ticketed
// WebSocket connect, a socket registry keyed by job_id, and the
// results_exchange consumer that routes each inference result to its
// socket and closes it on the terminal message (spec §4.8).
package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/nodeforge/internal/bus"
	"github.com/basket/nodeforge/internal/kv"
)

// closeBadTicket is the custom close code for a missing/expired/already-
// used ticket (spec §4.8).
const closeBadTicket websocket.StatusCode = 4003

// Service holds the ephemeral KV store (for ticket redemption) and the
// live socket registry.
type Service struct {
	KV          *kv.Client
	Bus         bus.Adapter
	AllowOrigins []string
	Logger      *slog.Logger

	mu      sync.Mutex
	sockets map[string]*websocket.Conn // job_id -> socket
}

func (s *Service) register(jobID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sockets == nil {
		s.sockets = make(map[string]*websocket.Conn)
	}
	s.sockets[jobID] = conn
}

func (s *Service) unregister(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sockets, jobID)
}

func (s *Service) socketFor(jobID string) (*websocket.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sockets[jobID]
	return c, ok
}

// HandleWebSocket implements GET /ws/results/?ticket=... (spec §4.8).
func (s *Service) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.AllowOrigins})
	if err != nil {
		return
	}

	if ticket == "" {
		_ = conn.Close(closeBadTicket, "missing ticket")
		return
	}
	jobID, err := s.KV.RedeemDeliveryTicket(r.Context(), ticket)
	if err != nil {
		_ = conn.Close(closeBadTicket, "invalid or expired ticket")
		return
	}

	s.register(jobID, conn)
	defer s.unregister(jobID)

	// The socket is write-only from the server's perspective; block on the
	// read loop solely to detect client-initiated close so the handler
	// returns (and unregisters) promptly.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

// Run binds the results_exchange consumer (spec §4.8: "binds an exclusive
// queue to results_exchange with binding inference.result.#").
func (s *Service) Run(ctx context.Context) error {
	binding := bus.Binding{
		Exchange:     bus.ExchangeResults,
		Queue:        "delivery.results",
		RoutingKeys:  []string{"inference.result.#"},
		ExchangeKind: bus.KindTopic,
		OnError:      bus.AlwaysAck,
	}
	return s.Bus.Consume(ctx, binding, s.handleResult)
}

type resultEnvelope struct {
	JobID  string `json:"job_id"`
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`
}

func (s *Service) handleResult(ctx context.Context, routingKey string, body []byte) error {
	var env resultEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.JobID == "" {
		return nil
	}
	conn, ok := s.socketFor(env.JobID)
	if !ok {
		return nil // no client currently connected for this job
	}

	if err := wsjson.Write(ctx, conn, json.RawMessage(body)); err != nil {
		if s.Logger != nil {
			s.Logger.Warn("failed to deliver result to socket", "job_id", env.JobID, "error", err)
		}
		s.unregister(env.JobID)
		return nil
	}

	if isTerminal(env) {
		s.unregister(env.JobID)
		_ = conn.Close(websocket.StatusNormalClosure, "job complete")
	}
	return nil
}

// isTerminal reports whether env is the job's final or error message, the
// point at which the gateway closes the socket with code 1000 (spec §4.8).
func isTerminal(env resultEnvelope) bool {
	return env.Status == "success" || env.Status == "error"
}
