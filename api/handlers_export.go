package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	csvcodec "github.com/csaworkbench/engine/codec/csv"
	graphmlcodec "github.com/csaworkbench/engine/codec/graphml"
	jsoncodec "github.com/csaworkbench/engine/codec/json"
	"github.com/csaworkbench/engine/domain/model"
	"github.com/csaworkbench/engine/infrastructure/errors"
	"github.com/csaworkbench/engine/infrastructure/httputil"
)

// csvBundle is CSA's transport representation of the two-file CSV format
// (codec/csv) over a single HTTP body.
type csvBundle struct {
	Components    string `json:"components_csv"`
	Relationships string `json:"relationships_csv"`
}

func (s *Server) registerExportRoutes() {
	s.router.HandleFunc("/systems/{id}/export", s.handleExportSystem).Methods(http.MethodGet)
	s.router.HandleFunc("/systems/{id}/import", s.handleImportSystem).Methods(http.MethodPost)
}

func (s *Server) handleExportSystem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	sys, err := s.engine.Store.LoadSystem(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	snap := sys.Snapshot()

	switch format {
	case "json":
		data, err := jsoncodec.Encode(snap, jsoncodec.SystemHeader{
			ID: sys.ID, Name: sys.Name, Description: sys.Description,
			CreatedAt: sys.CreatedAt, ModifiedAt: sys.ModifiedAt, Metadata: sys.Metadata,
		})
		if err != nil {
			s.writeErr(w, r, errors.IO("export failed", err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)

	case "csv":
		var components, relationships bytes.Buffer
		if err := csvcodec.WriteComponents(&components, snap); err != nil {
			s.writeErr(w, r, errors.IO("export failed", err))
			return
		}
		if err := csvcodec.WriteRelationships(&relationships, snap); err != nil {
			s.writeErr(w, r, errors.IO("export failed", err))
			return
		}
		httputil.WriteOK(w, http.StatusOK, csvBundle{
			Components:    components.String(),
			Relationships: relationships.String(),
		})

	case "graphml":
		var buf bytes.Buffer
		if err := graphmlcodec.Encode(&buf, snap); err != nil {
			s.writeErr(w, r, errors.IO("export failed", err))
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write(buf.Bytes())

	default:
		s.writeErr(w, r, errors.InvalidArgument("format", "must be one of json, csv, graphml"))
	}
}

// storeImported persists a freshly-decoded System under the id the System
// itself carries (the id argument is not read) and writes its header back to
// the caller, completing the import operation.
func (s *Server) storeImported(w http.ResponseWriter, r *http.Request, id string, restored *model.System) {
	if err := s.engine.Store.StoreSystem(r.Context(), restored); err != nil {
		s.writeErr(w, r, err)
		return
	}
	httputil.WriteOK(w, http.StatusCreated, systemHeaderOf(restored))
}

func (s *Server) handleImportSystem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	historyCap := s.engine.Config().System.StateHistoryLength

	switch format {
	case "json":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeErr(w, r, errors.IO("reading import body", err))
			return
		}
		restored, err := jsoncodec.Decode(data, historyCap, s.engine.Validators(), s.engine.Bus)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.storeImported(w, r, id, restored)

	case "csv":
		var bundle csvBundle
		if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
			s.writeErr(w, r, errors.InvalidArgument("body", "malformed CSV bundle"))
			return
		}
		components, err := csvcodec.ReadComponents(bytes.NewBufferString(bundle.Components), historyCap)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		relationships, err := csvcodec.ReadRelationships(bytes.NewBufferString(bundle.Relationships))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		restored, err := csvcodec.Decode(id, id, "", components, relationships, historyCap, s.engine.Validators(), s.engine.Bus)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.storeImported(w, r, id, restored)

	case "graphml":
		restored, err := graphmlcodec.Decode(r.Body, id, id, "", historyCap, s.engine.Validators(), s.engine.Bus)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.storeImported(w, r, id, restored)

	default:
		s.writeErr(w, r, errors.InvalidArgument("format", "must be one of json, csv, graphml"))
	}
}
