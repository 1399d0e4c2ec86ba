// Package graphml implements the CSA GraphML export/import codec (spec
// §6): standard GraphML with CSA-namespaced <data> keys extending each
// <node> with the component's kind and current state.
package graphml

import (
	"encoding/xml"
	"io"
	"strconv"
	"time"

	"github.com/csaworkbench/engine/domain/model"
	"github.com/csaworkbench/engine/domain/validation"
	"github.com/csaworkbench/engine/infrastructure/errors"
)

// Key ids for the CSA-namespaced <data> attribute extensions.
const (
	KeyComponentKind  = "csa.kind"
	KeyComponentValue = "csa.current_value"
	KeyComponentStatus = "csa.status"
	KeyRelKind        = "csa.kind"
	KeyRelWeight      = "csa.weight"
)

type graphmlDoc struct {
	XMLName xml.Name   `xml:"graphml"`
	Xmlns   string     `xml:"xmlns,attr"`
	Keys    []keyDef   `xml:"key"`
	Graph   graphElem  `xml:"graph"`
}

type keyDef struct {
	ID     string `xml:"id,attr"`
	For    string `xml:"for,attr"`
	AttrName string `xml:"attr.name,attr"`
	AttrType string `xml:"attr.type,attr"`
}

type graphElem struct {
	EdgeDefault string     `xml:"edgedefault,attr"`
	Nodes       []nodeElem `xml:"node"`
	Edges       []edgeElem `xml:"edge"`
}

type nodeElem struct {
	ID   string     `xml:"id,attr"`
	Data []dataElem `xml:"data"`
}

type edgeElem struct {
	ID     string     `xml:"id,attr"`
	Source string     `xml:"source,attr"`
	Target string     `xml:"target,attr"`
	Data   []dataElem `xml:"data"`
}

type dataElem struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

const xmlns = "http://graphml.graphdrawing.org/xmlns"

// Encode renders snap as a standard GraphML document, CSA's kind/state
// extensions attached via namespaced <data> keys.
func Encode(w io.Writer, snap *model.Snapshot) error {
	doc := graphmlDoc{
		Xmlns: xmlns,
		Keys: []keyDef{
			{ID: KeyComponentKind, For: "node", AttrName: "kind", AttrType: "string"},
			{ID: KeyComponentValue, For: "node", AttrName: "current_value", AttrType: "double"},
			{ID: KeyComponentStatus, For: "node", AttrName: "status", AttrType: "string"},
			{ID: KeyRelKind, For: "edge", AttrName: "kind", AttrType: "string"},
			{ID: KeyRelWeight, For: "edge", AttrName: "weight", AttrType: "double"},
		},
		Graph: graphElem{EdgeDefault: "directed"},
	}

	for _, c := range snap.Components {
		node := nodeElem{ID: c.ID, Data: []dataElem{
			{Key: KeyComponentKind, Value: string(c.Kind)},
		}}
		if c.State != nil {
			node.Data = append(node.Data,
				dataElem{Key: KeyComponentValue, Value: strconv.FormatFloat(c.State.CurrentValue, 'g', -1, 64)},
				dataElem{Key: KeyComponentStatus, Value: string(c.State.Status)},
			)
		}
		doc.Graph.Nodes = append(doc.Graph.Nodes, node)
	}

	for _, r := range snap.Relationships {
		edge := edgeElem{
			ID:     r.ID,
			Source: r.SourceID,
			Target: r.TargetID,
			Data: []dataElem{
				{Key: KeyRelKind, Value: string(r.Kind)},
				{Key: KeyRelWeight, Value: strconv.FormatFloat(r.Weight, 'g', -1, 64)},
			},
		}
		doc.Graph.Edges = append(doc.Graph.Edges, edge)
	}

	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return errors.IO("graphml_write_header", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return errors.IO("graphml_write_body", err)
	}
	return nil
}

// Decode parses a GraphML document and rehydrates it into a *model.System.
// Components without a CreatedAt-bearing "system" element are stamped at
// import time, matching the CSV codec's convention — GraphML carries no
// system-level metadata envelope either.
func Decode(r io.Reader, id, name, description string, historyCap int,
	validators *validation.Registry, bus model.EventPublisher) (*model.System, error) {
	var doc graphmlDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.InvalidArgument("blob", "malformed GraphML: "+err.Error())
	}

	components := make([]*model.Component, 0, len(doc.Graph.Nodes))
	for _, n := range doc.Graph.Nodes {
		state := model.NewComponentState(historyCap)
		kind := ""
		for _, d := range n.Data {
			switch d.Key {
			case KeyComponentKind:
				kind = d.Value
			case KeyComponentValue:
				if v, err := strconv.ParseFloat(d.Value, 64); err == nil {
					state.CurrentValue = v
				}
			case KeyComponentStatus:
				state.Status = model.ComponentStatus(d.Value)
			}
		}
		components = append(components, &model.Component{
			ID:    n.ID,
			Name:  n.ID,
			Kind:  model.ComponentKind(kind),
			State: state,
		})
	}

	relationships := make([]*model.Relationship, 0, len(doc.Graph.Edges))
	for _, e := range doc.Graph.Edges {
		var kind string
		var weight float64
		for _, d := range e.Data {
			switch d.Key {
			case KeyRelKind:
				kind = d.Value
			case KeyRelWeight:
				if v, err := strconv.ParseFloat(d.Value, 64); err == nil {
					weight = v
				}
			}
		}
		relID := e.ID
		if relID == "" {
			relID = e.Source + "->" + e.Target
		}
		relationships = append(relationships, &model.Relationship{
			ID:       relID,
			SourceID: e.Source,
			TargetID: e.Target,
			Kind:     model.RelationshipKind(kind),
			Weight:   weight,
		})
	}

	now := time.Now()
	return model.Restore(id, name, description, now, now, nil, components, relationships, historyCap, validators, bus)
}
