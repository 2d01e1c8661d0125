package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/teleagent/internal/bridge"
	"github.com/antoniostano/teleagent/internal/calls"
	"github.com/antoniostano/teleagent/internal/memory"
	"github.com/antoniostano/teleagent/internal/protocol"
)

// CallRunner runs the live session of an attached call until it ends.
type CallRunner interface {
	RunCall(ctx context.Context, c *calls.Call, device *bridge.Bridge, emit bridge.Emitter) error
}

func (s *Server) handleListContacts(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"contacts": s.deps.Calls.Contacts()})
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req calls.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.ContactID) == "" {
		respondError(w, http.StatusBadRequest, "missing_contact_id", "contact_id is required")
		return
	}

	c, err := s.deps.Calls.Create(strings.TrimSpace(req.ContactID))
	switch {
	case errors.Is(err, calls.ErrContactNotFound):
		respondError(w, http.StatusNotFound, "contact_not_found", err.Error())
		return
	case errors.Is(err, calls.ErrCallActive):
		respondError(w, http.StatusConflict, "call_active", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.metrics.CallEvent("created")
	respondJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Calls.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleHangupCall(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Calls.Hangup(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	s.metrics.CallEvent("hangup")
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleContactHistory(w http.ResponseWriter, r *http.Request) {
	contact, err := s.deps.Calls.Contact(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "contact_not_found", err.Error())
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	outcomes, err := s.deps.History.RecentOutcomes(r.Context(), contact.ID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	if outcomes == nil {
		outcomes = []memory.Outcome{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"contact_id": contact.ID, "calls": outcomes})
}

func (s *Server) handleCallWS(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	if s.deps.Runner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "call runner not configured")
		return
	}
	c, err := s.deps.Calls.Get(callID)
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	if c.EndedAt != nil {
		respondError(w, http.StatusConflict, "call_ended", calls.ErrCallEnded.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.CallEvent("ws_connected")
	log := s.log.WithField("call_id", callID)

	// The hijacked request context is not cancelled on disconnect; the read loop
	// below owns cancellation.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	// outbound is never closed: late session hooks may still emit after the
	// writer has gone.
	outbound := make(chan any, 256)
	emit := func(msg any) bool {
		select {
		case outbound <- msg:
			return true
		default:
			s.metrics.WSMessage("outbound", "drop_full")
			return false
		}
	}

	device := bridge.New(callID, emit)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		err := s.deps.Runner.RunCall(ctx, c, device, emit)
		switch {
		case errors.Is(err, calls.ErrAlreadyAttached), errors.Is(err, calls.ErrCallEnded):
			emit(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				CallID: callID,
				Code:   "call_unavailable",
				Source: "gateway",
				Detail: err.Error(),
			})
		case err != nil:
			log.WithError(err).Info("call ended with error")
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				if !s.writeFrame(conn, msg) {
					cancel()
					return
				}
			case <-runDone:
				s.flush(conn, outbound)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
					time.Now().Add(time.Second))
				// Unblocks the read loop.
				_ = conn.Close()
				return
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			emit(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				CallID: callID,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessage("inbound", string(t))
		}

		if control, ok := parsed.(protocol.ClientControl); ok {
			if control.Action == protocol.ActionHangup {
				if _, err := s.deps.Calls.Hangup(callID); err != nil {
					log.WithError(err).Warn("hangup from bridge")
				}
			}
			continue
		}
		if err := device.HandleClient(parsed); err != nil {
			emit(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				CallID: callID,
				Code:   "invalid_audio",
				Source: "bridge",
				Detail: err.Error(),
			})
		}
	}

	device.Disconnect()
	cancel()
	<-runDone
	<-writerDone
	s.metrics.CallEvent("ws_disconnected")
}

func (s *Server) writeFrame(conn *websocket.Conn, msg any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		s.metrics.WSMessage("outbound", "write_error")
		return false
	}
	if t, ok := messageTypeOf(msg); ok {
		s.metrics.WSMessage("outbound", string(t))
	}
	return true
}

func (s *Server) flush(conn *websocket.Conn, outbound <-chan any) {
	for {
		select {
		case msg := <-outbound:
			if !s.writeFrame(conn, msg) {
				return
			}
		default:
			return
		}
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientHello:
		return m.Type, true
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.CallState:
		return m.Type, true
	case protocol.PlaybackChunk:
		return m.Type, true
	case protocol.LogEvent:
		return m.Type, true
	case protocol.AppointmentBooked:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
