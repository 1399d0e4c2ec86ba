// Package csv implements the CSA CSV export/import codec (spec §6): two
// files, components.csv and relationships.csv, with fixed column orders.
// Arbitrary Properties/Metadata maps are flattened to a single JSON-encoded
// column since CSV has no native nested-object representation.
package csv

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/csaworkbench/engine/domain/model"
	"github.com/csaworkbench/engine/domain/validation"
	"github.com/csaworkbench/engine/infrastructure/errors"
)

// ComponentColumns is components.csv's fixed column order.
var ComponentColumns = []string{"id", "name", "kind", "properties_json", "current_value", "status", "metadata_json"}

// RelationshipColumns is relationships.csv's fixed column order.
var RelationshipColumns = []string{"id", "source_id", "target_id", "kind", "weight", "properties_json", "metadata_json"}

// WriteComponents writes components.csv for snap's components.
func WriteComponents(w io.Writer, snap *model.Snapshot) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ComponentColumns); err != nil {
		return errors.IO("csv_write_header", err)
	}
	for _, c := range snap.Components {
		props, err := marshalMap(c.Properties)
		if err != nil {
			return err
		}
		meta, err := marshalMap(c.Metadata)
		if err != nil {
			return err
		}
		currentValue, status := "", ""
		if c.State != nil {
			currentValue = strconv.FormatFloat(c.State.CurrentValue, 'g', -1, 64)
			status = string(c.State.Status)
		}
		row := []string{c.ID, c.Name, string(c.Kind), props, currentValue, status, meta}
		if err := cw.Write(row); err != nil {
			return errors.IO("csv_write_row", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteRelationships writes relationships.csv for snap's relationships.
func WriteRelationships(w io.Writer, snap *model.Snapshot) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(RelationshipColumns); err != nil {
		return errors.IO("csv_write_header", err)
	}
	for _, r := range snap.Relationships {
		props, err := marshalMap(r.Properties)
		if err != nil {
			return err
		}
		meta, err := marshalMap(r.Metadata)
		if err != nil {
			return err
		}
		row := []string{r.ID, r.SourceID, r.TargetID, string(r.Kind), strconv.FormatFloat(r.Weight, 'g', -1, 64), props, meta}
		if err := cw.Write(row); err != nil {
			return errors.IO("csv_write_row", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func marshalMap(m map[string]interface{}) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", errors.Internal("failed to encode map as JSON", err)
	}
	return string(data), nil
}

func unmarshalMap(s string) (map[string]interface{}, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, errors.InvalidArgument("properties_json", "malformed JSON cell: "+err.Error())
	}
	return m, nil
}

// ReadComponents parses a components.csv stream into Components (State
// left at default/zero history, since per-sample history isn't
// representable in the flat CSV row format).
func ReadComponents(r io.Reader, historyCap int) ([]*model.Component, error) {
	cr := csv.NewReader(r)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, errors.IO("csv_read", err)
	}
	if len(rows) == 0 {
		return nil, errors.InvalidArgument("blob", "components.csv has no header row")
	}

	var components []*model.Component
	for _, row := range rows[1:] {
		if len(row) != len(ComponentColumns) {
			return nil, errors.InvalidArgument("blob", "components.csv row has wrong column count")
		}
		props, err := unmarshalMap(row[3])
		if err != nil {
			return nil, err
		}
		meta, err := unmarshalMap(row[6])
		if err != nil {
			return nil, err
		}
		state := model.NewComponentState(historyCap)
		if row[4] != "" {
			v, err := strconv.ParseFloat(row[4], 64)
			if err != nil {
				return nil, errors.InvalidArgument("current_value", "not a number: "+row[4])
			}
			state.CurrentValue = v
		}
		if row[5] != "" {
			state.Status = model.ComponentStatus(row[5])
		}
		components = append(components, &model.Component{
			ID:         row[0],
			Name:       row[1],
			Kind:       model.ComponentKind(row[2]),
			Properties: props,
			State:      state,
			Metadata:   meta,
		})
	}
	return components, nil
}

// ReadRelationships parses a relationships.csv stream into Relationships.
func ReadRelationships(r io.Reader) ([]*model.Relationship, error) {
	cr := csv.NewReader(r)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, errors.IO("csv_read", err)
	}
	if len(rows) == 0 {
		return nil, errors.InvalidArgument("blob", "relationships.csv has no header row")
	}

	var relationships []*model.Relationship
	for _, row := range rows[1:] {
		if len(row) != len(RelationshipColumns) {
			return nil, errors.InvalidArgument("blob", "relationships.csv row has wrong column count")
		}
		weight, err := strconv.ParseFloat(row[4], 64)
		if err != nil {
			return nil, errors.InvalidArgument("weight", "not a number: "+row[4])
		}
		props, err := unmarshalMap(row[5])
		if err != nil {
			return nil, err
		}
		meta, err := unmarshalMap(row[6])
		if err != nil {
			return nil, err
		}
		relationships = append(relationships, &model.Relationship{
			ID:         row[0],
			SourceID:   row[1],
			TargetID:   row[2],
			Kind:       model.RelationshipKind(row[3]),
			Weight:     weight,
			Properties: props,
			Metadata:   meta,
		})
	}
	return relationships, nil
}

// Decode rehydrates a System from separately-read component/relationship
// rows plus the caller-supplied identity fields (CSV carries no "system"
// envelope the way the JSON codec does, so CreatedAt/ModifiedAt are stamped
// at import time).
func Decode(id, name, description string, components []*model.Component, relationships []*model.Relationship,
	historyCap int, validators *validation.Registry, bus model.EventPublisher) (*model.System, error) {
	now := time.Now()
	return model.Restore(id, name, description, now, now, nil, components, relationships, historyCap, validators, bus)
}
