package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/csaworkbench/engine/compute"
	"github.com/csaworkbench/engine/infrastructure/errors"
	"github.com/csaworkbench/engine/infrastructure/httputil"
)

func (s *Server) registerAnalysisRoutes() {
	s.router.HandleFunc("/systems/{id}/analyses", s.handleRunAnalysis).Methods(http.MethodPost)
	s.router.HandleFunc("/tasks/{task_id}", s.handleTaskStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/tasks/{task_id}/result", s.handleTaskResult).Methods(http.MethodGet)
	s.router.HandleFunc("/tasks/{task_id}", s.handleCancelTask).Methods(http.MethodDelete)
	s.router.HandleFunc("/systems/{id}/validate", s.handleValidateSystem).Methods(http.MethodPost)
}

type runAnalysisRequest struct {
	Algorithm  string                 `json:"algorithm"`
	Priority   string                 `json:"priority"`
	Params     map[string]interface{} `json:"params"`
	TimeoutSec int                    `json:"timeout_seconds"`
	DependsOn  []string               `json:"depends_on"`
}

func parsePriority(s string) compute.Priority {
	switch s {
	case "high":
		return compute.PriorityHigh
	case "low":
		return compute.PriorityLow
	case "background":
		return compute.PriorityBackground
	default:
		return compute.PriorityNormal
	}
}

func (s *Server) handleRunAnalysis(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req runAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, r, errors.InvalidArgument("body", "malformed JSON"))
		return
	}

	sys, err := s.engine.Store.LoadSystem(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	timeout := time.Duration(req.TimeoutSec) * time.Second
	task, err := s.engine.Scheduler.Submit(parsePriority(req.Priority), req.Algorithm, sys.Snapshot(), req.Params, timeout, req.DependsOn)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	status, err := s.engine.Scheduler.Status(taskID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(status)})
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	result, taskErr, ready, err := s.engine.Scheduler.TaskResult(taskID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if !ready {
		httputil.WriteOK(w, http.StatusAccepted, map[string]interface{}{"task_id": taskID, "ready": false})
		return
	}
	if taskErr != nil {
		s.writeErr(w, r, taskErr)
		return
	}
	httputil.WriteOK(w, http.StatusOK, map[string]interface{}{"task_id": taskID, "ready": true, "result": result})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	if err := s.engine.Scheduler.Cancel(taskID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "cancelling"})
}

func (s *Server) handleValidateSystem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sys, err := s.engine.Store.LoadSystem(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	report := sys.Validate()
	httputil.WriteOK(w, http.StatusOK, report)
}
