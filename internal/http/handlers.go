package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ledger/internal/calc"
	"ledger/internal/log"
)

type createSessionRequest struct {
	Feature   string `json:"feature"`
	SessionID string `json:"session_id,omitempty"`
}

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

// handleReady reports the state of the session registry and rate limiter
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	rl := s.rateLimiter.GetMetrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"timestamp": time.Now().Format(time.RFC3339),
		"checks": map[string]any{
			"sessions": map[string]any{"live": s.svc.Len(), "status": "ok"},
			"rate_limiter": map[string]any{
				"active_clients": rl.ClientCount,
				"rejected":       rl.TotalHits,
				"status":         "ok",
			},
		},
	})
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Features())
}

// handleCreateSession opens a session. With a session_id the call is
// idempotent and returns the existing session.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		sess *calc.Session
		err  error
	)
	if req.SessionID != "" {
		sess, err = s.svc.Open(r.Context(), req.SessionID, req.Feature)
	} else {
		sess, err = s.svc.Create(r.Context(), req.Feature)
	}
	if err != nil {
		s.fail(w, r, err, log.OpCreate)
		return
	}

	w.Header().Set("Location", "/api/sessions/"+sess.ID())
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err, log.OpRead)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err, log.OpExecute)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCommand runs one of start, pause, cancel, resume, retry, new or
// dismiss. A rejected command still returns the current snapshot.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	command := chi.URLParam(r, "command")

	snap, err := s.svc.Execute(r.Context(), id, command)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusConflict {
			writeJSON(w, status, errorResponse{Error: err.Error(), Snapshot: &snap})
			return
		}
		s.fail(w, r, err, log.OpExecute)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEvents streams snapshots as Server-Sent Events until the client
// goes away or the session ends.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, cancel, err := s.svc.Subscribe(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err, log.OpRead)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(s.keepAlive)
	defer keepalive.Stop()

	var lastSeq uint64
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case snap, ok := <-ch:
			if !ok {
				return
			}
			// The initial snapshot can race a newer render.
			if snap.Seq <= lastSeq {
				continue
			}
			lastSeq = snap.Seq
			if err := writeEvent(w, "snapshot", snap); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.svc.History(r.Context(), r.URL.Query().Get("feature"), limit)
	if err != nil {
		s.fail(w, r, err, log.OpList)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleHistoryRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.HistoryRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.fail(w, r, err, log.OpRead)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// fail maps err to a status and logs server-side failures.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, op string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.structured.LogError(r.Context(), "Request failed", err, log.ComponentHTTP, op,
			log.NewFields().WithRequestID(middleware.GetReqID(r.Context())))
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, msg)
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
