package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/csaworkbench/engine/domain/model"
	"github.com/csaworkbench/engine/infrastructure/errors"
	"github.com/csaworkbench/engine/infrastructure/httputil"
)

func (s *Server) registerSystemRoutes() {
	s.router.HandleFunc("/systems", s.handleCreateSystem).Methods(http.MethodPost)
	s.router.HandleFunc("/systems/{id}", s.handleLoadSystem).Methods(http.MethodGet)
	s.router.HandleFunc("/systems/{id}", s.handleSaveSystem).Methods(http.MethodPut)
	s.router.HandleFunc("/systems/{id}/components", s.handleAddComponent).Methods(http.MethodPost)
	s.router.HandleFunc("/systems/{id}/components/{component_id}", s.handleRemoveComponent).Methods(http.MethodDelete)
	s.router.HandleFunc("/systems/{id}/relationships", s.handleAddRelationship).Methods(http.MethodPost)
	s.router.HandleFunc("/systems/{id}/relationships/{relationship_id}", s.handleRemoveRelationship).Methods(http.MethodDelete)
	s.router.HandleFunc("/systems/{id}/components/{component_id}/state", s.handleUpdateState).Methods(http.MethodPatch)
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	engErr := errors.GetEngineError(err)
	if engErr == nil {
		httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, string(errors.KindInternal), err.Error(), nil)
		return
	}
	httputil.WriteErrorResponse(w, r, engErr.HTTPStatus, string(engErr.Kind), engErr.Message, engErr.Details)
}

type createSystemRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateSystem(w http.ResponseWriter, r *http.Request) {
	var req createSystemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, r, errors.InvalidArgument("body", "malformed JSON"))
		return
	}

	sys := s.engine.Store.NewSystem(req.ID, req.Name, req.Description)
	if err := s.engine.Store.StoreSystem(r.Context(), sys); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusCreated, systemHeaderOf(sys))
}

func (s *Server) handleLoadSystem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sys, err := s.engine.Store.LoadSystem(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, systemHeaderOf(sys))
}

func (s *Server) handleSaveSystem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sys, err := s.engine.Store.LoadSystem(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.engine.Store.StoreSystem(r.Context(), sys); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, systemHeaderOf(sys))
}

type componentRequest struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Kind       string                 `json:"kind"`
	Properties map[string]interface{} `json:"properties"`
}

func (s *Server) handleAddComponent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req componentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, r, errors.InvalidArgument("body", "malformed JSON"))
		return
	}

	sys, err := s.engine.Store.LoadSystem(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	c := &model.Component{
		ID:         req.ID,
		Name:       req.Name,
		Kind:       model.ComponentKind(req.Kind),
		Properties: req.Properties,
		State:      model.NewComponentState(0),
	}
	if err := sys.AddComponent(c); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.engine.Store.StoreComponent(r.Context(), id, c); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusCreated, c)
}

func (s *Server) handleRemoveComponent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sys, err := s.engine.Store.LoadSystem(r.Context(), vars["id"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := sys.RemoveComponent(vars["component_id"]); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.engine.Store.StoreSystem(r.Context(), sys); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, map[string]string{"removed": vars["component_id"]})
}

type relationshipRequest struct {
	ID         string                 `json:"id"`
	SourceID   string                 `json:"source_id"`
	TargetID   string                 `json:"target_id"`
	Kind       string                 `json:"kind"`
	Weight     float64                `json:"weight"`
	Properties map[string]interface{} `json:"properties"`
}

func (s *Server) handleAddRelationship(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req relationshipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, r, errors.InvalidArgument("body", "malformed JSON"))
		return
	}

	sys, err := s.engine.Store.LoadSystem(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	rel := &model.Relationship{
		ID:         req.ID,
		SourceID:   req.SourceID,
		TargetID:   req.TargetID,
		Kind:       model.RelationshipKind(req.Kind),
		Weight:     req.Weight,
		Properties: req.Properties,
	}
	if err := sys.AddRelationship(rel); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.engine.Store.StoreRelationship(r.Context(), id, rel); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusCreated, rel)
}

func (s *Server) handleRemoveRelationship(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sys, err := s.engine.Store.LoadSystem(r.Context(), vars["id"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := sys.RemoveRelationship(vars["relationship_id"]); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.engine.Store.StoreSystem(r.Context(), sys); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, map[string]string{"removed": vars["relationship_id"]})
}

type updateStateRequest struct {
	Value  float64 `json:"value"`
	Status string  `json:"status"`
}

func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req updateStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, r, errors.InvalidArgument("body", "malformed JSON"))
		return
	}

	sys, err := s.engine.Store.LoadSystem(r.Context(), vars["id"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := sys.UpdateComponentState(vars["component_id"], req.Value, model.ComponentStatus(req.Status), time.Now()); err != nil {
		s.writeErr(w, r, err)
		return
	}
	c, _ := sys.GetComponent(vars["component_id"])
	if err := s.engine.Store.StoreComponent(r.Context(), vars["id"], c); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusOK, c)
}

type systemHeader struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Components  int    `json:"component_count"`
	Relationships int  `json:"relationship_count"`
}

func systemHeaderOf(sys *model.System) systemHeader {
	snap := sys.Snapshot()
	return systemHeader{
		ID:            sys.ID,
		Name:          sys.Name,
		Description:   sys.Description,
		Components:    len(snap.Components),
		Relationships: len(snap.Relationships),
	}
}
