package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/pocket/internal/auth"
	"github.com/michaelbrown/pocket/internal/errdefs"
	"github.com/michaelbrown/pocket/internal/policy"
	"github.com/michaelbrown/pocket/internal/session"
	"github.com/michaelbrown/pocket/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errdefs.HTTPStatus(err), errorResponse{
		Error:   errdefs.Code(err),
		Message: err.Error(),
	})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

type sessionResponse struct {
	SessionID      string        `json:"sessionId"`
	UserID         string        `json:"userId"`
	Profile        string        `json:"profile"`
	SandboxID      string        `json:"sandboxId,omitempty"`
	Status         session.State `json:"status"`
	ResourceLimits policy.Limits `json:"resourceLimits"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
}

func toResponse(s session.Session) sessionResponse {
	return sessionResponse{
		SessionID:      s.ID,
		UserID:         s.UserID,
		Profile:        s.Profile,
		SandboxID:      s.SandboxID,
		Status:         s.State,
		ResourceLimits: s.Limits,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
}

// --- Session handlers ---

type createSessionRequest struct {
	Profile string `json:"profile"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON: %w", errdefs.ErrInvalidConfig, err))
		return
	}
	if req.Profile == "" {
		req.Profile = "small"
	}

	userID, err := s.auth.Validate(r.Context(), auth.ExtractToken(r, false))
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.creates.Allow(userID) {
		writeError(w, fmt.Errorf("session creation for %s: %w", userID, errdefs.ErrRateLimited))
		return
	}

	sess, err := s.orch.CreateSessionFor(r.Context(), userID, req.Profile)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.orch.ListSessions(r.Context(), auth.ExtractToken(r, false))
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toResponse(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.GetSession(r.Context(), chi.URLParam(r, "id"), auth.ExtractToken(r, false))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.TerminateSession(r.Context(), id, auth.ExtractToken(r, false)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"sessionId": id,
		"status":    string(session.Terminating),
	})
}

func (s *Server) handleSandboxInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.orch.SandboxInfo(r.Context(), chi.URLParam(r, "id"), auth.ExtractToken(r, false))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// --- Ledger handlers ---

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Validate(r.Context(), auth.ExtractToken(r, false))
	if err != nil {
		writeError(w, err)
		return
	}
	if s.ledger == nil {
		writeError(w, fmt.Errorf("history: %w", errdefs.ErrNotFound))
		return
	}

	opts := storage.ListOptions{
		UserID: userID,
		Status: storage.Status(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}
	records, err := s.ledger.ListSessions(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []storage.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedRecord(w, r)
	if !ok {
		return
	}
	events, err := s.ledger.ListEvents(r.Context(), rec.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := storage.ExportJSON(rec, events)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleListCommands pages through one session's command history, or
// searches it when q is given.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedRecord(w, r)
	if !ok {
		return
	}

	var (
		cmds []storage.Command
		err  error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		cmds, err = s.ledger.SearchCommands(r.Context(), storage.CommandSearch{
			UserID:    rec.UserID,
			SessionID: rec.ID,
			Term:      q,
			Limit:     queryInt(r, "limit"),
		})
	} else {
		cmds, err = s.ledger.ListCommands(r.Context(), rec.ID, queryInt(r, "limit"), queryInt(r, "offset"))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeCommands(w, cmds)
}

// handleSearchCommands searches every session of the caller.
func (s *Server) handleSearchCommands(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Validate(r.Context(), auth.ExtractToken(r, false))
	if err != nil {
		writeError(w, err)
		return
	}
	if s.ledger == nil {
		writeError(w, fmt.Errorf("history: %w", errdefs.ErrNotFound))
		return
	}

	cmds, err := s.ledger.SearchCommands(r.Context(), storage.CommandSearch{
		UserID: userID,
		Term:   r.URL.Query().Get("q"),
		Limit:  queryInt(r, "limit"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeCommands(w, cmds)
}

func writeCommands(w http.ResponseWriter, cmds []storage.Command) {
	if cmds == nil {
		cmds = []storage.Command{}
	}
	writeJSON(w, http.StatusOK, cmds)
}

// ownedRecord loads the ledger record named in the path if it belongs to
// the caller. It writes the error response itself.
func (s *Server) ownedRecord(w http.ResponseWriter, r *http.Request) (*storage.Record, bool) {
	userID, err := s.auth.Validate(r.Context(), auth.ExtractToken(r, false))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if s.ledger == nil {
		writeError(w, fmt.Errorf("history: %w", errdefs.ErrNotFound))
		return nil, false
	}

	id := chi.URLParam(r, "id")
	rec, err := s.ledger.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if rec.UserID != userID {
		writeError(w, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound))
		return nil, false
	}
	return rec, true
}

// --- Misc handlers ---

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"profiles": s.orch.Profiles()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
