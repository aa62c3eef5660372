// Package server exposes the engine over local HTTP: one endpoint per hook
// lifecycle event, an on-demand reconcile trigger, a status read, and
// operator response delivery. Handlers translate transport concerns only;
// all semantics live in the packages they call.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/quarterdeck/qd/internal/correlate"
	"github.com/quarterdeck/qd/internal/ingest"
	"github.com/quarterdeck/qd/internal/locks"
	"github.com/quarterdeck/qd/internal/store"
	"github.com/quarterdeck/qd/internal/tmux"
)

const (
	// DefaultAddr binds loopback only; the engine has no authentication
	// layer and must not be exposed beyond the host.
	DefaultAddr = "127.0.0.1:7411"

	defaultHandlerTimeout  = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	maxBodyBytes           = 1 << 20
)

// ReconcileTrigger runs an on-demand reconciliation for one agent.
type ReconcileTrigger interface {
	Reconcile(ctx context.Context, agentID string) (int, error)
}

// Responder delivers operator text into an agent's terminal.
type Responder interface {
	SendText(ctx context.Context, target string, text string) error
}

// Options configures a server.
type Options struct {
	Receiver   *ingest.Receiver
	Reconciler ReconcileTrigger
	Store      *store.Store
	// Bridge is optional; without it response delivery returns 501.
	Bridge         Responder
	Logger         *log.Logger
	Addr           string
	HandlerTimeout time.Duration
}

// Server is the local HTTP front of the engine.
type Server struct {
	receiver       *ingest.Receiver
	reconciler     ReconcileTrigger
	store          *store.Store
	bridge         Responder
	logger         *log.Logger
	addr           string
	handlerTimeout time.Duration

	httpServer *http.Server
	listener   net.Listener
}

// New builds a server and its routing table.
func New(opts Options) (*Server, error) {
	if opts.Receiver == nil {
		return nil, errors.New("receiver is required")
	}
	if opts.Reconciler == nil {
		return nil, errors.New("reconciler is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	handlerTimeout := opts.HandlerTimeout
	if handlerTimeout <= 0 {
		handlerTimeout = defaultHandlerTimeout
	}

	s := &Server{
		receiver:       opts.Receiver,
		reconciler:     opts.Reconciler,
		store:          opts.Store,
		bridge:         opts.Bridge,
		logger:         logger,
		addr:           addr,
		handlerTimeout: handlerTimeout,
	}

	mux := http.NewServeMux()
	for _, eventType := range []ingest.EventType{
		ingest.EventSessionStart,
		ingest.EventSessionEnd,
		ingest.EventUserPromptSubmit,
		ingest.EventStop,
		ingest.EventNotification,
		ingest.EventPreToolUse,
		ingest.EventPostToolUse,
		ingest.EventPermissionRequest,
	} {
		mux.HandleFunc("POST /v1/hooks/"+string(eventType), s.handleHook(eventType))
	}
	mux.HandleFunc("POST /v1/reconcile/{id}", s.handleReconcile)
	mux.HandleFunc("POST /v1/agents/{id}/respond", s.handleRespond)
	mux.HandleFunc("GET /v1/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler exposes the routing table for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start binds the listener, serves until the context is canceled, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.logger.With("addr", listener.Addr().String()).Info("hook server listening")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown hook server: %w", err)
	}
	return nil
}

// hookRequest is the wire form of one hook event.
type hookRequest struct {
	ExternalSessionID string `json:"external_session_id"`
	Workdir           string `json:"workdir"`
	SessionToken      string `json:"session_token,omitempty"`
	TranscriptPath    string `json:"transcript_path,omitempty"`
	TmuxPane          string `json:"tmux_pane,omitempty"`
	Text              string `json:"text,omitempty"`
}

type hookResponse struct {
	AgentID           string `json:"agent_id"`
	CommandID         string `json:"command_id,omitempty"`
	TurnID            string `json:"turn_id,omitempty"`
	State             string `json:"state,omitempty"`
	TurnPersisted     bool   `json:"turn_persisted"`
	Duplicate         bool   `json:"duplicate"`
	TransitionApplied bool   `json:"transition_applied"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHook(eventType ingest.EventType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req hookRequest
		if !s.decode(w, r, &req) {
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.handlerTimeout)
		defer cancel()

		ack, err := s.receiver.Receive(ctx, ingest.Event{
			Type:              eventType,
			ExternalSessionID: req.ExternalSessionID,
			Workdir:           req.Workdir,
			SessionToken:      req.SessionToken,
			TranscriptPath:    req.TranscriptPath,
			TmuxPane:          req.TmuxPane,
			Text:              req.Text,
		})
		if err != nil {
			s.writeReceiveError(w, eventType, err)
			return
		}

		writeJSON(w, http.StatusOK, hookResponse{
			AgentID:           ack.AgentID,
			CommandID:         ack.CommandID,
			TurnID:            ack.TurnID,
			State:             string(ack.State),
			TurnPersisted:     ack.TurnPersisted,
			Duplicate:         ack.Duplicate,
			TransitionApplied: ack.TransitionApplied,
		})
	}
}

func (s *Server) writeReceiveError(w http.ResponseWriter, eventType ingest.EventType, err error) {
	var unregistered *correlate.UnregisteredError
	switch {
	case errors.As(err, &unregistered):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, locks.ErrLockUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		s.logger.With("event_type", eventType, "error", err).Error("hook event failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

type reconcileResponse struct {
	AgentID      string `json:"agent_id"`
	TurnsChanged int    `json:"turns_changed"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimSpace(r.PathValue("id"))
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "agent id is required"})
		return
	}

	// Reconciliation is the one handler allowed to run long; it gets the
	// request's own deadline rather than the short handler timeout.
	changed, err := s.reconciler.Reconcile(r.Context(), agentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown agent"})
	case errors.Is(err, locks.ErrLockUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case err != nil:
		s.logger.With("agent_id", agentID, "error", err).Error("on-demand reconcile failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	default:
		writeJSON(w, http.StatusOK, reconcileResponse{AgentID: agentID, TurnsChanged: changed})
	}
}

type respondRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimSpace(r.PathValue("id"))
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "agent id is required"})
		return
	}
	if s.bridge == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "terminal bridge is disabled"})
		return
	}

	var req respondRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.handlerTimeout)
	defer cancel()

	agent, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown agent"})
		return
	}
	if err != nil {
		s.logger.With("agent_id", agentID, "error", err).Error("load agent for respond")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if agent.TmuxPane == "" {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "agent has no recorded pane"})
		return
	}

	if err := s.bridge.SendText(ctx, agent.TmuxPane, req.Text); err != nil {
		if errors.Is(err, tmux.ErrPaneNotFound) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
		s.logger.With("agent_id", agentID, "error", err).Error("deliver response")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "delivery failed"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	Receiving     bool   `json:"receiving"`
	LastEventAt   string `json:"last_event_at,omitempty"`
	EventCount    int64  `json:"event_count"`
	PollInterval  string `json:"poll_interval"`
	ReceiveWindow string `json:"receive_window"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.receiver.Status()
	resp := statusResponse{
		Receiving:     status.Receiving,
		EventCount:    status.EventCount,
		PollInterval:  status.PollInterval.String(),
		ReceiveWindow: status.ReceiveWindow.String(),
	}
	if !status.LastEventAt.IsZero() {
		resp.LastEventAt = status.LastEventAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("decode request: %v", err)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
