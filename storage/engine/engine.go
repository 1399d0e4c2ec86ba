// Package engine is the Storage Layer's façade (spec §4.1): it combines the
// relational store (identity/metadata, authoritative), the KV store (bulk
// payload), and the bounded component cache behind the eight operations
// spec §6 names (store_system, load_system, store_component,
// store_relationship, load_relationships, backup, restore, schema_migrate),
// plus the startup crash-recovery sweep spec §4.1's failure semantics
// require.
//
// Grounded on the teacher's layered service shape (a façade over two
// backing stores; relational writes run through a circuit breaker) seen throughout
// packages/com.r3e.services.datalink/service/*.go.
package engine

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/csaworkbench/engine/domain/model"
	"github.com/csaworkbench/engine/domain/validation"
	"github.com/csaworkbench/engine/infrastructure/cache"
	"github.com/csaworkbench/engine/infrastructure/errors"
	"github.com/csaworkbench/engine/infrastructure/logging"
	"github.com/csaworkbench/engine/infrastructure/resilience"
	"github.com/csaworkbench/engine/storage/kv"
	"github.com/csaworkbench/engine/storage/relational"
)

// SchemaVersion is the engine's current on-disk format version, recorded in
// every backup manifest and checked on restore.
const SchemaVersion = 1

// Store is the Storage Layer's entry point. One Store owns one KV file and
// one relational file; the engine runs a single Store per installation.
type Store struct {
	kv     *kv.Store
	rel    *relational.Store
	kvPath string

	cache *cache.ComponentCache
	cb    *resilience.CircuitBreaker
	log   *logging.Logger

	historyCap       int
	validators       *validation.Registry
	bus              model.EventPublisher
	maxComponents    int
	maxRelationships int
}

// Options configures Open.
type Options struct {
	KVPath           string
	SQLPath          string
	CacheCapacity    int
	HistoryCap       int
	Validators       *validation.Registry
	Bus              model.EventPublisher
	MaxComponents    int
	MaxRelationships int
	Logger           *logging.Logger
}

// Open opens both backing stores, wires the cache, and runs startup crash
// recovery (re-driving any KV write left unconfirmed by a prior crash, per
// spec §4.1's write-ahead marker).
func Open(ctx context.Context, opts Options) (*Store, error) {
	relStore, err := relational.Open(ctx, opts.SQLPath)
	if err != nil {
		return nil, err
	}

	kvStore, err := kv.Open(opts.KVPath)
	if err != nil {
		relStore.Close()
		return nil, err
	}

	capacity := opts.CacheCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	log := opts.Logger
	if log == nil {
		log = logging.New("storage-engine", "info", "json")
	}

	st := &Store{
		kv:               kvStore,
		rel:              relStore,
		kvPath:           opts.KVPath,
		cache:            cache.NewComponentCache(cache.CacheConfig{MaxSize: capacity}),
		cb:               resilience.New(resilience.DefaultConfig()),
		log:              log,
		historyCap:       opts.HistoryCap,
		validators:       opts.Validators,
		bus:              opts.Bus,
		maxComponents:    opts.MaxComponents,
		maxRelationships: opts.MaxRelationships,
	}

	if err := st.recoverPendingWrites(ctx); err != nil {
		kvStore.Close()
		relStore.Close()
		return nil, err
	}

	return st, nil
}

// Close closes both backing stores and stops the component cache's
// background cleanup goroutine.
func (s *Store) Close() error {
	s.cache.Close()
	kvErr := s.kv.Close()
	relErr := s.rel.Close()
	if kvErr != nil {
		return kvErr
	}
	return relErr
}

// withResilience wraps a storage I/O call with the circuit breaker (spec
// §4.1 notes the Storage Layer must degrade predictably under repeated
// backend failure rather than hang every caller).
func (s *Store) withResilience(ctx context.Context, fn func() error) error {
	return s.cb.Execute(ctx, fn)
}

type pendingPayload struct {
	Components    []*model.Component    `json:"components"`
	Relationships []*model.Relationship `json:"relationships"`
}

// recoverPendingWrites re-drives every write-ahead marker left by a crash
// between the relational commit and the paired KV write, then clears it. The
// marker payload is the post-StoreSystem component/relationship set (the
// relational rows already reflect any removals), so replay must delete any
// stale KV entity not present in it — not just PUT the survivors — or a
// component/relationship removed in the crashed call resurrects on the next
// LoadSystem, the same failure mode StoreSystem itself guards against.
func (s *Store) recoverPendingWrites(ctx context.Context) error {
	pending, err := s.rel.PendingWrites(ctx)
	if err != nil {
		return err
	}
	for _, p := range pending {
		var payload pendingPayload
		if err := json.Unmarshal([]byte(p.Payload), &payload); err != nil {
			return errors.Corruption("pending_kv_write", p.SystemID, err)
		}

		prevComponents, err := s.kv.ScanComponents(p.SystemID)
		if err != nil {
			return err
		}
		prevRelationships, err := s.kv.ScanRelationships(p.SystemID)
		if err != nil {
			return err
		}

		keepComponent := make(map[string]bool, len(payload.Components))
		for _, c := range payload.Components {
			keepComponent[c.ID] = true
		}
		for _, c := range prevComponents {
			if !keepComponent[c.ID] {
				if err := s.kv.DeleteComponent(p.SystemID, c.ID); err != nil {
					return err
				}
			}
		}

		keepRelationship := make(map[string]bool, len(payload.Relationships))
		for _, r := range payload.Relationships {
			keepRelationship[r.ID] = true
		}
		for _, r := range prevRelationships {
			if !keepRelationship[r.ID] {
				if err := s.kv.DeleteRelationship(p.SystemID, r.SourceID, r.TargetID, r.ID); err != nil {
					return err
				}
			}
		}

		for _, c := range payload.Components {
			if err := s.kv.PutComponent(p.SystemID, c); err != nil {
				return err
			}
		}
		for _, r := range payload.Relationships {
			if err := s.kv.PutRelationship(p.SystemID, r); err != nil {
				return err
			}
		}
		if err := s.rel.ClearPendingWrite(ctx, p.SystemID); err != nil {
			return err
		}
		s.log.Info(ctx, "recovered pending KV write", map[string]interface{}{
			"system_id": p.SystemID,
			"operation": p.Operation,
		})
	}
	return nil
}

// StoreSystem persists an entire System (store_system): relational write
// first (with the write-ahead marker), then the KV write, then the marker
// is cleared. A crash before the marker clears is recovered on next Open.
func (s *Store) StoreSystem(ctx context.Context, sys *model.System) error {
	snap := sys.Snapshot()

	components := make([]*model.Component, 0, len(snap.Components))
	for _, c := range snap.Components {
		components = append(components, c)
	}
	relationships := make([]*model.Relationship, 0, len(snap.Relationships))
	for _, r := range snap.Relationships {
		relationships = append(relationships, r)
	}

	row := relational.SystemRow{
		ID:          sys.ID,
		Name:        sys.Name,
		Description: sys.Description,
		CreatedAt:   sys.CreatedAt,
		ModifiedAt:  sys.ModifiedAt,
		Metadata:    sys.Metadata,
	}

	if err := s.withResilience(ctx, func() error {
		return s.rel.StoreSystem(ctx, row, components, relationships)
	}); err != nil {
		return err
	}

	// The relational write above clears and reinserts its component/relationship
	// rows every call; mirror that here so an entity removed since the prior
	// StoreSystem (RemoveComponent/RemoveRelationship) doesn't resurrect from
	// stale KV bytes on the next LoadSystem, which rebuilds exclusively from KV.
	prevComponents, err := s.kv.ScanComponents(sys.ID)
	if err != nil {
		return err
	}
	prevRelationships, err := s.kv.ScanRelationships(sys.ID)
	if err != nil {
		return err
	}

	keepComponent := make(map[string]bool, len(components))
	for _, c := range components {
		keepComponent[c.ID] = true
	}
	for _, c := range prevComponents {
		if !keepComponent[c.ID] {
			if err := s.kv.DeleteComponent(sys.ID, c.ID); err != nil {
				return err
			}
		}
	}

	keepRelationship := make(map[string]bool, len(relationships))
	for _, r := range relationships {
		keepRelationship[r.ID] = true
	}
	for _, r := range prevRelationships {
		if !keepRelationship[r.ID] {
			if err := s.kv.DeleteRelationship(sys.ID, r.SourceID, r.TargetID, r.ID); err != nil {
				return err
			}
		}
	}

	for _, c := range components {
		if err := s.kv.PutComponent(sys.ID, c); err != nil {
			return err
		}
	}
	for _, r := range relationships {
		if err := s.kv.PutRelationship(sys.ID, r); err != nil {
			return err
		}
	}
	if err := s.kv.PutSystemMetadata(sys.ID, row); err != nil {
		return err
	}

	if err := s.rel.ClearPendingWrite(ctx, sys.ID); err != nil {
		return err
	}

	s.cache.InvalidateSystem(sys.ID)
	return nil
}

// LoadSystem rebuilds a System from persisted rows (load_system): relational
// rows supply identity/metadata, KV supplies payload, model.Restore checks
// invariants I1 and I3-I6 on the rehydrated result and reports Corruption on
// mismatch.
func (s *Store) LoadSystem(ctx context.Context, systemID string) (*model.System, error) {
	row, err := s.rel.GetSystem(ctx, systemID)
	if err != nil {
		return nil, err
	}

	components, err := s.kv.ScanComponents(systemID)
	if err != nil {
		return nil, err
	}
	relationships, err := s.kv.ScanRelationships(systemID)
	if err != nil {
		return nil, err
	}

	sys, err := model.Restore(
		row.ID, row.Name, row.Description,
		row.CreatedAt, row.ModifiedAt, row.Metadata,
		components, relationships,
		s.historyCap, s.validators, s.bus,
	)
	if err != nil {
		return nil, err
	}
	sys.SetLimits(s.maxComponents, s.maxRelationships)
	return sys, nil
}

// NewSystem constructs an empty System already wired to this Store's
// configured history/validation/event/capacity settings.
func (s *Store) NewSystem(id, name, description string) *model.System {
	sys := model.NewSystem(id, name, description, s.historyCap, s.validators, s.bus)
	sys.SetLimits(s.maxComponents, s.maxRelationships)
	return sys
}

// StoreComponent persists a single Component (store_component): relational
// row first, then KV payload, then cache invalidation so the next read
// observes the new value.
func (s *Store) StoreComponent(ctx context.Context, systemID string, c *model.Component) error {
	if err := s.withResilience(ctx, func() error {
		return s.rel.PutComponent(ctx, systemID, c)
	}); err != nil {
		return err
	}
	if err := s.kv.PutComponent(systemID, c); err != nil {
		return err
	}
	s.cache.Invalidate(systemID, c.ID)
	return nil
}

// StoreRelationship persists a single Relationship (store_relationship).
func (s *Store) StoreRelationship(ctx context.Context, systemID string, r *model.Relationship) error {
	if err := s.withResilience(ctx, func() error {
		return s.rel.PutRelationship(ctx, systemID, r)
	}); err != nil {
		return err
	}
	if err := s.kv.PutRelationship(systemID, r); err != nil {
		return err
	}
	s.cache.Invalidate(systemID, r.SourceID)
	s.cache.Invalidate(systemID, r.TargetID)
	return nil
}

// LoadRelationships returns every relationship incident to componentID
// (load_relationships), deduplicating the outgoing/incoming scans by id —
// a relationship that loops a component to itself would otherwise appear
// in both scans.
func (s *Store) LoadRelationships(ctx context.Context, systemID, componentID string) ([]*model.Relationship, error) {
	if cached, ok := s.cache.Get(systemID, componentID); ok {
		if rels, ok := cached.([]*model.Relationship); ok {
			return rels, nil
		}
	}

	out, err := s.kv.ScanOutgoing(systemID, componentID)
	if err != nil {
		return nil, err
	}
	in, err := s.kv.ScanIncoming(systemID, componentID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(out)+len(in))
	result := make([]*model.Relationship, 0, len(out)+len(in))
	for _, r := range out {
		seen[r.ID] = struct{}{}
		result = append(result, r)
	}
	for _, r := range in {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		result = append(result, r)
	}

	s.cache.Set(systemID, componentID, result, 5*time.Minute)
	return result, nil
}

// manifest is the backup archive's metadata entry.
type manifest struct {
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	KVChecksum    string    `json:"kv_checksum_sha256"`
}

// Backup writes a self-contained ZIP archive (kv.snapshot, meta.sqlite,
// manifest.json) to path, honoring spec §4.1's "engine must continue to
// serve reads during backup" via bbolt's MVCC-consistent Snapshot and a
// plain file copy of the (WAL-mode, reader-friendly) SQLite file.
func (s *Store) Backup(ctx context.Context, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.IO("backup_create", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	kvEntry, err := zw.Create("kv.snapshot")
	if err != nil {
		return errors.IO("backup_kv_entry", err)
	}
	hasher := sha256.New()
	if err := s.kv.Snapshot(io.MultiWriter(kvEntry, hasher)); err != nil {
		return err
	}

	sqlEntry, err := zw.Create("meta.sqlite")
	if err != nil {
		return errors.IO("backup_sql_entry", err)
	}
	sqlFile, err := os.Open(s.rel.Path())
	if err != nil {
		return errors.IO("backup_sql_open", err)
	}
	_, copyErr := io.Copy(sqlEntry, sqlFile)
	sqlFile.Close()
	if copyErr != nil {
		return errors.IO("backup_sql_copy", copyErr)
	}

	m := manifest{
		SchemaVersion: SchemaVersion,
		CreatedAt:     time.Now().UTC(),
		KVChecksum:    hex.EncodeToString(hasher.Sum(nil)),
	}
	manifestEntry, err := zw.Create("manifest.json")
	if err != nil {
		return errors.IO("backup_manifest_entry", err)
	}
	if err := json.NewEncoder(manifestEntry).Encode(m); err != nil {
		return errors.IO("backup_manifest_encode", err)
	}

	if err := zw.Close(); err != nil {
		return errors.IO("backup_close", err)
	}
	return nil
}

// Restore validates the archive's manifest and replaces both backing stores
// with its contents. Each file is swapped in by rename, the KV file before
// the relational one, so the two replacements are not a single atomic step.
// Restore works on file paths and closes no open Store.
func Restore(ctx context.Context, archivePath, kvPath, sqlPath string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return errors.InvalidBackup(fmt.Sprintf("cannot open archive: %v", err))
	}
	defer zr.Close()

	files := map[string]*zip.File{}
	for _, f := range zr.File {
		files[f.Name] = f
	}

	manifestFile, ok := files["manifest.json"]
	if !ok {
		return errors.InvalidBackup("archive missing manifest.json")
	}
	mr, err := manifestFile.Open()
	if err != nil {
		return errors.InvalidBackup(fmt.Sprintf("cannot read manifest: %v", err))
	}
	var m manifest
	decodeErr := json.NewDecoder(mr).Decode(&m)
	mr.Close()
	if decodeErr != nil {
		return errors.InvalidBackup(fmt.Sprintf("cannot parse manifest: %v", decodeErr))
	}
	if m.SchemaVersion != SchemaVersion {
		return errors.InvalidBackup(fmt.Sprintf("archive schema version %d is not compatible with %d", m.SchemaVersion, SchemaVersion))
	}

	kvFile, ok := files["kv.snapshot"]
	if !ok {
		return errors.InvalidBackup("archive missing kv.snapshot")
	}
	sqlFile, ok := files["meta.sqlite"]
	if !ok {
		return errors.InvalidBackup("archive missing meta.sqlite")
	}

	kr, err := kvFile.Open()
	if err != nil {
		return errors.InvalidBackup(fmt.Sprintf("cannot read kv.snapshot: %v", err))
	}
	hasher := sha256.New()
	tmpKV, stageErr := kv.RestoreStage(kvPath, io.TeeReader(kr, hasher))
	kr.Close()
	if stageErr != nil {
		return stageErr
	}
	if hex.EncodeToString(hasher.Sum(nil)) != m.KVChecksum {
		os.Remove(tmpKV)
		return errors.InvalidBackup("kv.snapshot checksum mismatch")
	}

	sr, err := sqlFile.Open()
	if err != nil {
		os.Remove(tmpKV)
		return errors.InvalidBackup(fmt.Sprintf("cannot read meta.sqlite: %v", err))
	}
	tmpSQL := sqlPath + ".restore.tmp"
	sqlOut, err := os.Create(tmpSQL)
	if err != nil {
		sr.Close()
		os.Remove(tmpKV)
		return errors.IO("restore_sql_create", err)
	}
	_, copyErr := io.Copy(sqlOut, sr)
	sr.Close()
	closeErr := sqlOut.Close()
	if copyErr != nil {
		os.Remove(tmpKV)
		os.Remove(tmpSQL)
		return errors.IO("restore_sql_copy", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpKV)
		os.Remove(tmpSQL)
		return errors.IO("restore_sql_close", closeErr)
	}

	// Both snapshots are staged and validated; commit them into place together.
	kvStore, err := kv.CommitRestore(tmpKV, kvPath)
	if err != nil {
		os.Remove(tmpSQL)
		return err
	}
	kvStore.Close()
	if err := os.Rename(tmpSQL, sqlPath); err != nil {
		return errors.IO("restore_sql_rename", err)
	}

	return nil
}

// SchemaMigrate reports the relational store's current schema version
// (schema_migrate — migration itself runs automatically on Open via
// system/platform/migrations, matching spec §4.1's "migrations run at
// startup, not as a separate operator step").
func (s *Store) SchemaMigrate(ctx context.Context) (int, error) {
	return s.rel.SchemaVersion(ctx)
}
