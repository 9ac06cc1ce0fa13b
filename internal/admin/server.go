// Package admin exposes the inbound submit endpoint and the
// operational surface over HTTP.
package admin

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/astroline/prioq/internal/dispatch"
	"github.com/astroline/prioq/internal/gate"
	"github.com/astroline/prioq/internal/queue"
)

type Server struct {
	gate   *gate.Gate
	coord  *dispatch.Coordinator
	logger *log.Logger
}

func NewServer(g *gate.Gate, coord *dispatch.Coordinator, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{gate: g, coord: coord, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /submit", s.handleSubmit)
	mux.HandleFunc("GET /queue/status", s.handleStatus)
	mux.HandleFunc("POST /queue/purge", s.handlePurge)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

type submitRequest struct {
	UserID   string `json:"user_id"`
	Text     string `json:"text"`
	Priority int    `json:"priority,omitempty"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "bad_request", Error: "invalid json body"})
		return
	}
	if req.UserID == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "bad_request", Error: "user_id and text are required"})
		return
	}

	admitted, err := s.gate.Admit(r.Context(), req.UserID, req.Priority, req.Text)
	if err != nil {
		s.writeAdmitError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{RequestID: admitted.ID})
}

func (s *Server) writeAdmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gate.ErrUserInactive):
		writeJSON(w, http.StatusForbidden, errorResponse{Code: "user_inactive", Error: err.Error()})
	case errors.Is(err, gate.ErrUserSuspended):
		writeJSON(w, http.StatusForbidden, errorResponse{Code: "user_suspended", Error: err.Error()})
	case errors.Is(err, queue.ErrStoreUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: "store_unavailable", Error: "queue store unavailable, try again later"})
	default:
		s.logger.Printf("admin: submit: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "internal", Error: "internal error"})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.coord.Status(r.Context())
	if err != nil {
		s.logger.Printf("admin: status: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: "store_unavailable", Error: "queue store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type purgeResponse struct {
	Purged int `json:"purged"`
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	n, err := s.coord.Purge(r.Context())
	if err != nil {
		s.logger.Printf("admin: purge: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: "store_unavailable", Error: "queue store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, purgeResponse{Purged: n})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
