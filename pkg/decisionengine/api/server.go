// Package api is the HTTP boundary over the scheduler registry.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"k8s.io/klog/v2"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/config"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/session"
)

// Server exposes config updates, schedule reads, manual overrides, feedback
// and health over JSON.
type Server struct {
	registry         *session.Registry
	defaultNamespace string
	defaultName      string
}

// NewServer creates a server over the registry. The default key serves the
// unqualified schedule endpoints.
func NewServer(registry *session.Registry, defaultNamespace, defaultName string) *Server {
	return &Server{
		registry:         registry,
		defaultNamespace: defaultNamespace,
		defaultName:      defaultName,
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Put("/config/{namespace}/{name}", s.handleUpdateConfig)
	r.Delete("/config/{namespace}/{name}", s.handleRemove)

	r.Get("/schedule", s.handleDefaultSchedule)
	r.Get("/schedule/{namespace}/{name}", s.handleSchedule)
	r.Post("/schedule/{namespace}/{name}/manual", s.handleOverride)
	r.Post("/setschedule", s.handleDefaultOverride)

	r.Post("/feedback/{namespace}/{name}", s.handleFeedback)

	r.Get("/healthz", s.handleHealth)

	return r
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	name := chi.URLParam(r, "name")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	update, err := config.ParseSessionUpdate(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.registry.UpdateConfig(namespace, name, update); err != nil {
		klog.V(2).InfoS("Config update rejected",
			"namespace", namespace, "name", name, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	name := chi.URLParam(r, "name")

	if err := s.registry.Remove(namespace, name); err != nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDefaultSchedule(w http.ResponseWriter, r *http.Request) {
	s.writeSchedule(w, s.defaultNamespace, s.defaultName)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	s.writeSchedule(w, chi.URLParam(r, "namespace"), chi.URLParam(r, "name"))
}

func (s *Server) writeSchedule(w http.ResponseWriter, namespace, name string) {
	sess, err := s.registry.Get(namespace, name)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	snap := sess.Latest()
	if snap == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDefaultOverride(w http.ResponseWriter, r *http.Request) {
	s.applyOverride(w, r, s.defaultNamespace, s.defaultName)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	s.applyOverride(w, r, chi.URLParam(r, "namespace"), chi.URLParam(r, "name"))
}

func (s *Server) applyOverride(w http.ResponseWriter, r *http.Request, namespace, name string) {
	sess, err := s.registry.Get(namespace, name)
	if err != nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}

	var req session.OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse override payload")
		return
	}
	if err := sess.Override(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	name := chi.URLParam(r, "name")

	sess, err := s.registry.Get(namespace, name)
	if err != nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}

	var fb session.Feedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse feedback payload")
		return
	}
	state, err := sess.ProcessFeedback(fb)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{
		"balance":   state.Balance,
		"velocity":  state.Velocity,
		"allowance": state.Allowance,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		klog.ErrorS(err, "Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
