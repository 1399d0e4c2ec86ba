package csv

import (
	"bytes"
	"testing"

	"github.com/csaworkbench/engine/domain/model"
)

func buildSnapshot(t *testing.T) *model.Snapshot {
	t.Helper()
	sys := model.NewSystem("sys-1", "Demo", "", 0, nil, nil)
	c1 := &model.Component{ID: "c1", Name: "C1", Kind: model.KindNode, State: model.NewComponentState(0), Properties: map[string]interface{}{"region": "us"}}
	c2 := &model.Component{ID: "c2", Name: "C2", Kind: model.KindProcess, State: model.NewComponentState(0)}
	if err := sys.AddComponent(c1); err != nil {
		t.Fatal(err)
	}
	if err := sys.AddComponent(c2); err != nil {
		t.Fatal(err)
	}
	r := &model.Relationship{ID: "r1", SourceID: "c1", TargetID: "c2", Kind: model.RelTransforms, Weight: 3}
	if err := sys.AddRelationship(r); err != nil {
		t.Fatal(err)
	}
	return sys.Snapshot()
}

func TestComponentsRoundTrip(t *testing.T) {
	snap := buildSnapshot(t)

	var buf bytes.Buffer
	if err := WriteComponents(&buf, snap); err != nil {
		t.Fatalf("WriteComponents: %v", err)
	}

	components, err := ReadComponents(&buf, 0)
	if err != nil {
		t.Fatalf("ReadComponents: %v", err)
	}
	if len(components) != 2 {
		t.Fatalf("got %d components, want 2", len(components))
	}
	var found bool
	for _, c := range components {
		if c.ID == "c1" {
			found = true
			if c.Properties["region"] != "us" {
				t.Fatalf("c1.Properties[region] = %v, want us", c.Properties["region"])
			}
		}
	}
	if !found {
		t.Fatal("expected c1 in round-tripped components")
	}
}

func TestRelationshipsRoundTrip(t *testing.T) {
	snap := buildSnapshot(t)

	var buf bytes.Buffer
	if err := WriteRelationships(&buf, snap); err != nil {
		t.Fatalf("WriteRelationships: %v", err)
	}

	relationships, err := ReadRelationships(&buf)
	if err != nil {
		t.Fatalf("ReadRelationships: %v", err)
	}
	if len(relationships) != 1 || relationships[0].Weight != 3 {
		t.Fatalf("relationships = %+v, want one weight-3 edge", relationships)
	}
}

func TestDecodeBuildsValidSystem(t *testing.T) {
	snap := buildSnapshot(t)

	var compBuf, relBuf bytes.Buffer
	if err := WriteComponents(&compBuf, snap); err != nil {
		t.Fatal(err)
	}
	if err := WriteRelationships(&relBuf, snap); err != nil {
		t.Fatal(err)
	}

	components, err := ReadComponents(&compBuf, 0)
	if err != nil {
		t.Fatal(err)
	}
	relationships, err := ReadRelationships(&relBuf)
	if err != nil {
		t.Fatal(err)
	}

	sys, err := Decode("sys-1", "Demo", "", components, relationships, 0, nil, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(sys.GetRelationshipsFor("c1")) != 1 {
		t.Fatal("expected c1 to carry its relationship after Decode")
	}
}
