// SPDX-License-Identifier: Apache-2.0
// Package server exposes the HTTP+JSON control surface: task submission and
// status, approval decisions, cancellation and the learning trigger.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/opsgate/opsgate/pkg/approval"
	"github.com/opsgate/opsgate/pkg/errors"
	"github.com/opsgate/opsgate/pkg/learning"
	"github.com/opsgate/opsgate/pkg/router"
	"github.com/opsgate/opsgate/pkg/store"
)

// Server routes control-surface requests to the router and learning cycle.
type Server struct {
	router   *router.Router
	policies store.PolicyStore
	cycle    *learning.Cycle
	log      *slog.Logger
}

// New creates a control-surface server.
func New(r *router.Router, policies store.PolicyStore, cycle *learning.Cycle) *Server {
	return &Server{
		router:   r,
		policies: policies,
		cycle:    cycle,
		log:      slog.Default(),
	}
}

// Handler returns the HTTP handler for the control surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/v1/", s)
	return mux
}

// ServeHTTP routes /v1 requests by path segment.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	segments := normalizePath(strings.TrimPrefix(r.URL.Path, "/v1"))
	if len(segments) == 0 {
		http.NotFound(w, r)
		return
	}
	switch segments[0] {
	case "tasks":
		s.handleTasks(w, r, segments[1:])
	case "learning":
		if len(segments) == 2 && segments[1] == "run" && r.Method == http.MethodPost {
			s.handleLearningRun(w, r)
			return
		}
		http.NotFound(w, r)
	case "policy":
		if len(segments) == 1 && r.Method == http.MethodGet {
			s.handlePolicy(w, r)
			return
		}
		http.NotFound(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		s.handleSubmit(w, r)
	case len(rest) == 1 && r.Method == http.MethodGet:
		s.handleStatus(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "resolve" && r.Method == http.MethodPost:
		s.handleResolve(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "cancel" && r.Method == http.MethodPost:
		s.handleCancel(w, r, rest[0])
	default:
		http.NotFound(w, r)
	}
}

type submitRequest struct {
	Objective string            `json:"objective"`
	Target    string            `json:"target"`
	Context   map[string]string `json:"context,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	taskID, err := s.router.Submit(r.Context(), req.Objective, req.Target, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: taskID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	view, err := s.router.Status(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type resolveRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, taskID string) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	err := s.router.Resolve(r.Context(), taskID, approval.Decision(req.Decision), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "decision": req.Decision})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, taskID string) {
	if err := s.router.Cancel(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "cancelled"})
}

func (s *Server) handleLearningRun(w http.ResponseWriter, r *http.Request) {
	if err := s.cycle.ForceRun(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	state, err := s.policies.Latest(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func normalizePath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New(errors.CodeValidation, "invalid JSON body", err)
	}
	return nil
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	oe := errors.AsOpsError(err)
	var body errorBody
	body.Error.Code = string(oe.Code)
	body.Error.Message = oe.Message
	writeJSON(w, oe.StatusCode, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
