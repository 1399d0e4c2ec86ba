// Package json implements the CSA JSON export/import codec (spec §6): the
// schema is {system, components[], relationships[]}, one flat document
// round-tripping a whole System.
package json

import (
	"encoding/json"
	"time"

	"github.com/csaworkbench/engine/domain/model"
	"github.com/csaworkbench/engine/domain/validation"
	"github.com/csaworkbench/engine/infrastructure/errors"
)

// SystemDoc is the {system, components[], relationships[]} envelope.
type SystemDoc struct {
	System        SystemHeader          `json:"system"`
	Components    []ComponentDoc        `json:"components"`
	Relationships []RelationshipDoc     `json:"relationships"`
}

// SystemHeader is the document's "system" field.
type SystemHeader struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	CreatedAt   time.Time              `json:"created_at"`
	ModifiedAt  time.Time              `json:"modified_at"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// ComponentDoc is one "components[]" entry.
type ComponentDoc struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Kind       string                 `json:"kind"`
	Properties map[string]interface{} `json:"properties"`
	State      *StateDoc              `json:"state,omitempty"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// StateDoc is a Component's embedded time-varying state.
type StateDoc struct {
	CurrentValue float64         `json:"current_value"`
	LastUpdate   time.Time       `json:"last_update"`
	Status       string          `json:"status"`
	History      []HistoryPoint  `json:"history"`
}

// HistoryPoint is one ring-buffer sample.
type HistoryPoint struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// RelationshipDoc is one "relationships[]" entry.
type RelationshipDoc struct {
	ID         string                 `json:"id"`
	SourceID   string                 `json:"source_id"`
	TargetID   string                 `json:"target_id"`
	Kind       string                 `json:"kind"`
	Weight     float64                `json:"weight"`
	Properties map[string]interface{} `json:"properties"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// Encode renders a SystemDoc from a Snapshot (read-only, no locking needed).
func Encode(snap *model.Snapshot, header SystemHeader) ([]byte, error) {
	doc := SystemDoc{System: header}

	for _, c := range snap.Components {
		cd := ComponentDoc{
			ID:         c.ID,
			Name:       c.Name,
			Kind:       string(c.Kind),
			Properties: c.Properties,
			Metadata:   c.Metadata,
		}
		if c.State != nil {
			history := make([]HistoryPoint, len(c.State.History))
			for i, h := range c.State.History {
				history[i] = HistoryPoint{Value: h.Value, Timestamp: h.Timestamp}
			}
			cd.State = &StateDoc{
				CurrentValue: c.State.CurrentValue,
				LastUpdate:   c.State.LastUpdate,
				Status:       string(c.State.Status),
				History:      history,
			}
		}
		doc.Components = append(doc.Components, cd)
	}

	for _, r := range snap.Relationships {
		doc.Relationships = append(doc.Relationships, RelationshipDoc{
			ID:         r.ID,
			SourceID:   r.SourceID,
			TargetID:   r.TargetID,
			Kind:       string(r.Kind),
			Weight:     r.Weight,
			Properties: r.Properties,
			Metadata:   r.Metadata,
		})
	}

	return json.MarshalIndent(doc, "", "  ")
}

// Decode parses a SystemDoc and rehydrates it into a *model.System via
// model.Restore, running the System's invariant checks on the way in (spec
// §6 import_system).
func Decode(data []byte, historyCap int, validators *validation.Registry, bus model.EventPublisher) (*model.System, error) {
	var doc SystemDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.InvalidArgument("blob", "malformed JSON: "+err.Error())
	}

	components := make([]*model.Component, 0, len(doc.Components))
	for _, cd := range doc.Components {
		c := &model.Component{
			ID:         cd.ID,
			Name:       cd.Name,
			Kind:       model.ComponentKind(cd.Kind),
			Properties: cd.Properties,
			Metadata:   cd.Metadata,
		}
		if cd.State != nil {
			state := model.NewComponentState(historyCap)
			state.CurrentValue = cd.State.CurrentValue
			state.LastUpdate = cd.State.LastUpdate
			state.Status = model.ComponentStatus(cd.State.Status)
			for _, h := range cd.State.History {
				state.History = append(state.History, model.StateEntry{Value: h.Value, Timestamp: h.Timestamp})
			}
			c.State = state
		} else {
			c.State = model.NewComponentState(historyCap)
		}
		components = append(components, c)
	}

	relationships := make([]*model.Relationship, 0, len(doc.Relationships))
	for _, rd := range doc.Relationships {
		relationships = append(relationships, &model.Relationship{
			ID:         rd.ID,
			SourceID:   rd.SourceID,
			TargetID:   rd.TargetID,
			Kind:       model.RelationshipKind(rd.Kind),
			Weight:     rd.Weight,
			Properties: rd.Properties,
			Metadata:   rd.Metadata,
		})
	}

	return model.Restore(doc.System.ID, doc.System.Name, doc.System.Description,
		doc.System.CreatedAt, doc.System.ModifiedAt, doc.System.Metadata,
		components, relationships, historyCap, validators, bus)
}
