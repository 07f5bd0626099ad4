package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackwell-systems/agentwatch/internal/ingest"
	"github.com/blackwell-systems/agentwatch/internal/publish"
	"github.com/blackwell-systems/agentwatch/internal/state"
)

// EventResponse is the body returned for an accepted event.
type EventResponse struct {
	Status string `json:"status"`           // "applied" or "ignored"
	Reason string `json:"reason,omitempty"` // set when ignored
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxEventBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "event too large")
			return
		}
		writeError(w, http.StatusBadRequest, "reading body failed")
		return
	}

	ev, err := ingest.Decode(body)
	if err != nil {
		s.metrics.RecordEvent("unknown", "rejected")
		s.logger.Debug().
			Err(err).
			Str("request_id", RequestID(r.Context())).
			Msg("rejected event")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.ingestor.Ingest(r.Context(), ev)
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", RequestID(r.Context())).Msg("ingest failed")
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}

	resp := EventResponse{Status: "applied"}
	if !res.Applied {
		resp = EventResponse{Status: "ignored", Reason: res.Reason}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.publisher.Latest()
	if !ok {
		snap = state.Snapshot{LastUpdated: time.Now()}
	}
	writeJSON(w, http.StatusOK, publish.NewEnvelope(snap))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.publisher.SubscriberCount(),
	})
}

// handleWS streams a state_update envelope on connect and after every
// change. The socket closes when the subscriber is dropped for falling
// behind, the client goes away or the server shuts down.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	id, snapshots, cancel := s.publisher.Subscribe()
	defer cancel()

	log := s.logger.With().Str("subscriber", id).Str("remote", r.RemoteAddr).Logger()
	log.Info().Msg("subscriber connected")
	defer log.Info().Msg("subscriber disconnected")

	// The client sends nothing we act on, but reading is required to see
	// pongs and close frames.
	gone := make(chan struct{})
	conn.SetReadLimit(4096)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
	})
	_ = conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		conn.Close()
		<-gone
	}()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				s.closeSocket(conn, websocket.CloseTryAgainLater, "subscriber dropped")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteJSON(publish.NewEnvelope(snap)); err != nil {
				log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			s.closeSocket(conn, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func (s *Server) closeSocket(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
