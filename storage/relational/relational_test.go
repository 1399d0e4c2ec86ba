package relational

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/csaworkbench/engine/domain/model"
	"github.com/csaworkbench/engine/infrastructure/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSchemaVersionAfterOpen(t *testing.T) {
	s := openTestStore(t)
	v, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}
}

func TestPutGetSystem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	row := SystemRow{ID: "sys1", Name: "Demo", CreatedAt: now, ModifiedAt: now, Metadata: map[string]interface{}{"k": "v"}}

	if err := s.PutSystem(ctx, row); err != nil {
		t.Fatalf("PutSystem: %v", err)
	}
	got, err := s.GetSystem(ctx, "sys1")
	if err != nil {
		t.Fatalf("GetSystem: %v", err)
	}
	if got.Name != "Demo" || got.Metadata["k"] != "v" {
		t.Fatalf("got = %+v", got)
	}
}

func TestPutSystemConflictOnStaleTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	row := SystemRow{ID: "sys1", Name: "Demo", CreatedAt: now, ModifiedAt: now}
	if err := s.PutSystem(ctx, row); err != nil {
		t.Fatalf("first PutSystem: %v", err)
	}

	stale := row
	stale.ModifiedAt = now.Add(-time.Hour)
	err := s.PutSystem(ctx, stale)
	if errors.GetKind(err) != errors.KindConflict {
		t.Fatalf("kind = %v, want Conflict", errors.GetKind(err))
	}
}

func TestGetSystemNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSystem(context.Background(), "ghost")
	if errors.GetKind(err) != errors.KindNotFound {
		t.Fatalf("kind = %v, want NotFound", errors.GetKind(err))
	}
}

func TestStoreSystemWritesPendingMarkerThenClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	row := SystemRow{ID: "sys1", Name: "Demo", CreatedAt: now, ModifiedAt: now}
	comps := []*model.Component{{ID: "c1", Name: "C1", Kind: model.KindNode, State: model.NewComponentState(10)}}
	rels := []*model.Relationship{{ID: "r1", SourceID: "c1", TargetID: "c1", Kind: model.RelInfluences, Weight: 1}}

	if err := s.StoreSystem(ctx, row, comps, rels); err != nil {
		t.Fatalf("StoreSystem: %v", err)
	}

	pending, err := s.PendingWrites(ctx)
	if err != nil {
		t.Fatalf("PendingWrites: %v", err)
	}
	if len(pending) != 1 || pending[0].SystemID != "sys1" {
		t.Fatalf("pending = %+v, want one marker for sys1", pending)
	}

	if err := s.ClearPendingWrite(ctx, "sys1"); err != nil {
		t.Fatalf("ClearPendingWrite: %v", err)
	}
	pending, _ = s.PendingWrites(ctx)
	if len(pending) != 0 {
		t.Fatalf("expected no pending writes after clear, got %v", pending)
	}

	listed, err := s.ListComponents(ctx, "sys1")
	if err != nil || len(listed) != 1 || listed[0].ID != "c1" {
		t.Fatalf("ListComponents = %v, %v", listed, err)
	}
}

func TestRelationshipMetaResolvesIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	row := SystemRow{ID: "sys1", Name: "Demo", CreatedAt: now, ModifiedAt: now}
	comps := []*model.Component{{ID: "c1", Kind: model.KindNode, State: model.NewComponentState(10)}, {ID: "c2", Kind: model.KindNode, State: model.NewComponentState(10)}}
	rels := []*model.Relationship{{ID: "r1", SourceID: "c1", TargetID: "c2", Kind: model.RelInfluences, Weight: 2}}
	if err := s.StoreSystem(ctx, row, comps, rels); err != nil {
		t.Fatalf("StoreSystem: %v", err)
	}

	meta, err := s.RelationshipMeta(ctx, "r1")
	if err != nil {
		t.Fatalf("RelationshipMeta: %v", err)
	}
	if meta.SourceID != "c1" || meta.TargetID != "c2" {
		t.Fatalf("meta = %+v", meta)
	}
}
