package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lokisec/loki/pkg/ledger"
	"github.com/lokisec/loki/pkg/logger"
	"github.com/lokisec/loki/pkg/session"
	"github.com/lokisec/loki/pkg/versions"
)

// adminRoutes mounts the session and catalogue management surface.
func (s *Server) adminRoutes(r chi.Router) {
	r.Get("/plugins", s.listPlugins)
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Get("/", s.listSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/end", s.endSession)
			r.Delete("/", s.deleteSession)
			r.Get("/ledger", s.getLedger)
		})
	})
}

// createSessionRequest is the admin payload for session creation.
type createSessionRequest struct {
	Name         string                    `json:"name,omitempty"`
	Mode         session.Mode              `json:"mode"`
	Mischief     []string                  `json:"mischief"`
	Probability  float64                   `json:"probability,omitempty"`
	PluginConfig map[string]map[string]any `json:"pluginConfig,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sess, err := s.sessions.Create(session.Options{
		Name:         req.Name,
		Mode:         req.Mode,
		Mischief:     req.Mischief,
		Probability:  req.Probability,
		PluginConfig: req.PluginConfig,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.SaveSession(r.Context(), sess.Record()); err != nil {
		logger.Errorw("persisting new session", "session", sess.ID, "error", err)
	}

	writeJSON(w, http.StatusCreated, sess.Record())
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	live := s.sessions.List()
	records := make([]session.Record, 0, len(live))
	for _, sess := range live {
		records = append(records, sess.Record())
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Record())
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	sess.End()
	if err := s.store.SaveSession(r.Context(), sess.Record()); err != nil {
		logger.Errorw("persisting ended session", "session", sess.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, sess.Record())
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if !s.sessions.Delete(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	// Drop the ledger alongside the session so the admin delete is atomic
	// from the client's point of view.
	s.engine.DropSession(id)
	if err := s.store.DeleteSession(r.Context(), id); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "deleting session ledger: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getLedger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	// The store is authoritative; the engine's in-memory list is only a
	// cache of the current process lifetime.
	entries, err := s.store.LoadEntries(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading ledger entries: "+err.Error())
		return
	}

	doc := ledger.BuildDocument(sess.Record(), entries, versions.Version)
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) listPlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("encoding admin response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
