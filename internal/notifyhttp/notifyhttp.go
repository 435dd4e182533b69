// Package notifyhttp is the loopback HTTP listener agent hook scripts call
// to report lifecycle events back into the daemon's event bus.
package notifyhttp

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/segun-io/ada/internal/eventbus"
)

// Server is the notification endpoint. It binds an ephemeral loopback port
// at Start time; the assigned port is what gets injected into every
// spawned PTY as ADA_NOTIFICATION_PORT.
type Server struct {
	bus      *eventbus.Bus
	logger   *slog.Logger
	listener net.Listener
	srv      *http.Server
}

// New constructs a Server bound to no port yet; call Start to bind and
// serve.
func New(bus *eventbus.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{bus: bus, logger: logger}
}

// Start binds 127.0.0.1:0, begins serving in the background, and returns
// the assigned port.
func (s *Server) Start() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("bind notification endpoint: %w", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/hook/agent-event", s.handleAgentEvent)
	s.srv = &http.Server{Handler: mux}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("notification endpoint stopped serving", "error", err)
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	s.logger.Info("notification endpoint listening", "port", port)
	return port, nil
}

// Close shuts down the HTTP listener.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

// agentEventMapping maps a raw hook event name to the uniform AgentStatus
// it additionally produces, empty when the event carries no status.
var agentEventMapping = map[string]string{
	"Start":      "working",
	"Stop":       "idle",
	"Permission": "permission",
}

func (s *Server) handleAgentEvent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	terminalID := q.Get("terminal_id")
	event := q.Get("event")

	if terminalID == "" || event == "" {
		http.Error(w, `{"error":"terminal_id and event are required"}`, http.StatusBadRequest)
		return
	}

	agent := q.Get("agent")
	if agent == "" {
		agent = "unknown"
	}
	projectID := q.Get("project_id")

	var payload *string
	if raw := q.Get("payload"); raw != "" {
		payload = &raw
	}

	s.bus.Publish(eventbus.Event{
		Type: eventbus.EventHookEvent,
		HookEvent: &eventbus.HookEvent{
			TerminalID: terminalID,
			ProjectID:  projectID,
			Agent:      agent,
			Event:      event,
			Payload:    payload,
		},
	})

	if status, ok := agentEventMapping[event]; ok {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.EventAgentStatus,
			AgentStatus: &eventbus.AgentStatus{
				TerminalID: terminalID,
				Status:     status,
			},
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`"ok"`))
}
