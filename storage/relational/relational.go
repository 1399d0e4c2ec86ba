// Package relational is the Storage Layer's relational store: metadata,
// schema versioning, and the cross-store write-ahead marker of spec §4.1,
// backed by database/sql + github.com/mattn/go-sqlite3 against a single
// database file (spec §6 "Relational file: a single database file").
//
// Grounded on the teacher's store_postgres.go raw-SQL idiom (context-first
// methods, positional placeholders, JSON-marshaled columns), retargeted
// from Postgres's $N placeholders to SQLite's ?.
package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/csaworkbench/engine/domain/model"
	"github.com/csaworkbench/engine/infrastructure/errors"
	"github.com/csaworkbench/engine/system/platform/migrations"
)

// SystemRow is the systems table's metadata row.
type SystemRow struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	ModifiedAt  time.Time
	Metadata    map[string]interface{}
}

// RelationshipMeta is the identity/routing columns needed to locate a
// Relationship's bulk payload in the KV store (system_id, source_id are
// the edges-bucket key prefix).
type RelationshipMeta struct {
	ID       string
	SystemID string
	SourceID string
	TargetID string
}

// PendingWrite is a write-ahead marker row: a relational write committed
// but its paired KV write is unconfirmed.
type PendingWrite struct {
	SystemID  string
	Operation string
	Payload   string
	CreatedAt time.Time
}

// Store wraps a single-file SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if absent) the SQLite database at path, in WAL mode
// with a busy timeout so the §5 single-writer discipline is enforced by
// SQLite itself rather than only by the in-process lock, and applies the
// embedded schema migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.IO("sql_open", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return nil, errors.IO("sql_migrate", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the on-disk SQLite file path this Store was opened against,
// for callers (Backup) that need to copy the raw file rather than query it.
func (s *Store) Path() string {
	return s.path
}

// SchemaVersion returns the current schema_version row.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err != nil {
		return 0, errors.IO("sql_schema_version", err)
	}
	return version, nil
}

// beginWriter starts a writer transaction. The DSN's _txlock=immediate
// makes every BeginTx acquire an immediate (write) lock up front, so
// SQLite itself serializes concurrent writers rather than relying solely
// on the engine's in-process lock (spec §5).
func (s *Store) beginWriter(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// PutSystem upserts the systems row. Fails with Conflict if an existing
// row has a newer modified_at than row.ModifiedAt (spec §4.1 store_system).
func (s *Store) PutSystem(ctx context.Context, row SystemRow) error {
	metaJSON, err := json.Marshal(row.Metadata)
	if err != nil {
		return errors.Internal("marshal system metadata", err)
	}

	tx, err := s.beginWriter(ctx)
	if err != nil {
		return errors.IO("sql_begin", err)
	}
	defer tx.Rollback()

	var existingModified string
	err = tx.QueryRowContext(ctx, `SELECT modified_at FROM systems WHERE id = ?`, row.ID).Scan(&existingModified)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO systems (id, name, description, created_at, modified_at, metadata)
			VALUES (?, ?, ?, ?, ?, ?)
		`, row.ID, row.Name, row.Description, row.CreatedAt.UTC().Format(time.RFC3339Nano), row.ModifiedAt.UTC().Format(time.RFC3339Nano), string(metaJSON))
		if err != nil {
			return errors.IO("sql_insert_system", err)
		}
	case err != nil:
		return errors.IO("sql_select_system", err)
	default:
		existing, perr := time.Parse(time.RFC3339Nano, existingModified)
		if perr == nil && existing.After(row.ModifiedAt) {
			return errors.Conflict(fmt.Sprintf("system %s has a newer modification timestamp", row.ID))
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE systems SET name = ?, description = ?, modified_at = ?, metadata = ? WHERE id = ?
		`, row.Name, row.Description, row.ModifiedAt.UTC().Format(time.RFC3339Nano), string(metaJSON), row.ID)
		if err != nil {
			return errors.IO("sql_update_system", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.IO("sql_commit_system", err)
	}
	return nil
}

// GetSystem reads a systems row by id.
func (s *Store) GetSystem(ctx context.Context, id string) (*SystemRow, error) {
	var row SystemRow
	var created, modified, metaJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_at, modified_at, metadata FROM systems WHERE id = ?
	`, id).Scan(&row.ID, &row.Name, &row.Description, &created, &modified, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("system", id)
	}
	if err != nil {
		return nil, errors.IO("sql_get_system", err)
	}
	row.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	row.ModifiedAt, _ = time.Parse(time.RFC3339Nano, modified)
	row.Metadata = map[string]interface{}{}
	if err := json.Unmarshal([]byte(metaJSON), &row.Metadata); err != nil {
		return nil, errors.Corruption("system", id, err)
	}
	return &row, nil
}

// DeleteSystem removes a system and every component/relationship row
// belonging to it.
func (s *Store) DeleteSystem(ctx context.Context, id string) error {
	tx, err := s.beginWriter(ctx)
	if err != nil {
		return errors.IO("sql_begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE system_id = ?`, id); err != nil {
		return errors.IO("sql_delete_relationships", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM components WHERE system_id = ?`, id); err != nil {
		return errors.IO("sql_delete_components", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM systems WHERE id = ?`, id); err != nil {
		return errors.IO("sql_delete_system", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.IO("sql_commit_delete_system", err)
	}
	return nil
}

// PutComponent upserts a component row within an already-open writer tx
// (see PutComponents for the batch entry point used by store_system).
func putComponent(ctx context.Context, tx *sql.Tx, systemID string, c *model.Component) error {
	propsJSON, err := json.Marshal(c.Properties)
	if err != nil {
		return err
	}
	stateJSON, err := json.Marshal(c.State)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO components (id, system_id, name, kind, properties, state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, kind = excluded.kind, properties = excluded.properties, state = excluded.state
	`, c.ID, systemID, c.Name, string(c.Kind), string(propsJSON), string(stateJSON))
	return err
}

func putRelationship(ctx context.Context, tx *sql.Tx, systemID string, r *model.Relationship) error {
	propsJSON, err := json.Marshal(r.Properties)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO relationships (id, system_id, source_id, target_id, kind, weight, properties)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET source_id = excluded.source_id, target_id = excluded.target_id, kind = excluded.kind, weight = excluded.weight, properties = excluded.properties
	`, r.ID, systemID, r.SourceID, r.TargetID, string(r.Kind), r.Weight, string(propsJSON))
	return err
}

// PutComponent upserts a single component row (store_component op).
func (s *Store) PutComponent(ctx context.Context, systemID string, c *model.Component) error {
	tx, err := s.beginWriter(ctx)
	if err != nil {
		return errors.IO("sql_begin", err)
	}
	defer tx.Rollback()
	if err := putComponent(ctx, tx, systemID, c); err != nil {
		return errors.IO("sql_put_component", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.IO("sql_commit_component", err)
	}
	return nil
}

// PutRelationship upserts a single relationship row (store_relationship op).
func (s *Store) PutRelationship(ctx context.Context, systemID string, r *model.Relationship) error {
	tx, err := s.beginWriter(ctx)
	if err != nil {
		return errors.IO("sql_begin", err)
	}
	defer tx.Rollback()
	if err := putRelationship(ctx, tx, systemID, r); err != nil {
		return errors.IO("sql_put_relationship", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.IO("sql_commit_relationship", err)
	}
	return nil
}

// DeleteComponent removes a component row.
func (s *Store) DeleteComponent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM components WHERE id = ?`, id)
	if err != nil {
		return errors.IO("sql_delete_component", err)
	}
	return nil
}

// DeleteRelationship removes a relationship row.
func (s *Store) DeleteRelationship(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM relationships WHERE id = ?`, id)
	if err != nil {
		return errors.IO("sql_delete_relationship", err)
	}
	return nil
}

// RelationshipMeta looks up the (system_id, source_id, target_id) identity
// columns for a relationship id, used to reconstruct its KV edges key.
func (s *Store) RelationshipMeta(ctx context.Context, id string) (*RelationshipMeta, error) {
	var m RelationshipMeta
	m.ID = id
	err := s.db.QueryRowContext(ctx, `
		SELECT system_id, source_id, target_id FROM relationships WHERE id = ?
	`, id).Scan(&m.SystemID, &m.SourceID, &m.TargetID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("relationship", id)
	}
	if err != nil {
		return nil, errors.IO("sql_relationship_meta", err)
	}
	return &m, nil
}

// ListComponents returns every component row for a system, ordered by id
// for deterministic streaming during load_system.
func (s *Store) ListComponents(ctx context.Context, systemID string) ([]*model.Component, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, properties, state FROM components WHERE system_id = ? ORDER BY id
	`, systemID)
	if err != nil {
		return nil, errors.IO("sql_list_components", err)
	}
	defer rows.Close()

	var out []*model.Component
	for rows.Next() {
		var c model.Component
		var propsJSON, stateJSON string
		var kind string
		if err := rows.Scan(&c.ID, &c.Name, &kind, &propsJSON, &stateJSON); err != nil {
			return nil, errors.IO("sql_scan_component", err)
		}
		c.Kind = model.ComponentKind(kind)
		c.Properties = map[string]interface{}{}
		if err := json.Unmarshal([]byte(propsJSON), &c.Properties); err != nil {
			return nil, errors.Corruption("component", c.ID, err)
		}
		var state model.ComponentState
		if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
			return nil, errors.Corruption("component", c.ID, err)
		}
		c.State = &state
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListRelationships returns every relationship row for a system.
func (s *Store) ListRelationships(ctx context.Context, systemID string) ([]*model.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, kind, weight, properties FROM relationships WHERE system_id = ? ORDER BY id
	`, systemID)
	if err != nil {
		return nil, errors.IO("sql_list_relationships", err)
	}
	defer rows.Close()

	var out []*model.Relationship
	for rows.Next() {
		var r model.Relationship
		var propsJSON, kind string
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &kind, &r.Weight, &propsJSON); err != nil {
			return nil, errors.IO("sql_scan_relationship", err)
		}
		r.Kind = model.RelationshipKind(kind)
		r.Properties = map[string]interface{}{}
		if err := json.Unmarshal([]byte(propsJSON), &r.Properties); err != nil {
			return nil, errors.Corruption("relationship", r.ID, err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// StoreSystem atomically writes the system row plus every component and
// relationship row in one transaction (store_system's relational half),
// then records a write-ahead marker so a crash before the paired KV write
// can be detected and re-driven on restart.
func (s *Store) StoreSystem(ctx context.Context, row SystemRow, components []*model.Component, relationships []*model.Relationship) error {
	metaJSON, err := json.Marshal(row.Metadata)
	if err != nil {
		return errors.Internal("marshal system metadata", err)
	}

	tx, err := s.beginWriter(ctx)
	if err != nil {
		return errors.IO("sql_begin", err)
	}
	defer tx.Rollback()

	var existingModified string
	err = tx.QueryRowContext(ctx, `SELECT modified_at FROM systems WHERE id = ?`, row.ID).Scan(&existingModified)
	if err != nil && err != sql.ErrNoRows {
		return errors.IO("sql_select_system", err)
	}
	if err == nil {
		existing, perr := time.Parse(time.RFC3339Nano, existingModified)
		if perr == nil && existing.After(row.ModifiedAt) {
			return errors.Conflict(fmt.Sprintf("system %s has a newer modification timestamp", row.ID))
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO systems (id, name, description, created_at, modified_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description, modified_at = excluded.modified_at, metadata = excluded.metadata
	`, row.ID, row.Name, row.Description, row.CreatedAt.UTC().Format(time.RFC3339Nano), row.ModifiedAt.UTC().Format(time.RFC3339Nano), string(metaJSON))
	if err != nil {
		return errors.IO("sql_upsert_system", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM components WHERE system_id = ?`, row.ID); err != nil {
		return errors.IO("sql_clear_components", err)
	}
	for _, c := range components {
		if err := putComponent(ctx, tx, row.ID, c); err != nil {
			return errors.IO("sql_put_component", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE system_id = ?`, row.ID); err != nil {
		return errors.IO("sql_clear_relationships", err)
	}
	for _, r := range relationships {
		if err := putRelationship(ctx, tx, row.ID, r); err != nil {
			return errors.IO("sql_put_relationship", err)
		}
	}

	payload, err := json.Marshal(struct {
		Components    []*model.Component    `json:"components"`
		Relationships []*model.Relationship `json:"relationships"`
	}{components, relationships})
	if err != nil {
		return errors.Internal("marshal pending kv payload", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_kv_writes (system_id, operation, payload, created_at)
		VALUES (?, 'store_system', ?, ?)
		ON CONFLICT(system_id) DO UPDATE SET operation = excluded.operation, payload = excluded.payload, created_at = excluded.created_at
	`, row.ID, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.IO("sql_mark_pending", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.IO("sql_commit_store_system", err)
	}
	return nil
}

// ClearPendingWrite removes the write-ahead marker once the paired KV
// write is confirmed.
func (s *Store) ClearPendingWrite(ctx context.Context, systemID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_kv_writes WHERE system_id = ?`, systemID)
	if err != nil {
		return errors.IO("sql_clear_pending", err)
	}
	return nil
}

// PendingWrites returns every unconfirmed write-ahead marker, scanned on
// startup to re-drive interrupted KV writes (spec §4.1 "Failure semantics").
func (s *Store) PendingWrites(ctx context.Context) ([]PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT system_id, operation, payload, created_at FROM pending_kv_writes`)
	if err != nil {
		return nil, errors.IO("sql_list_pending", err)
	}
	defer rows.Close()

	var out []PendingWrite
	for rows.Next() {
		var p PendingWrite
		var created string
		if err := rows.Scan(&p.SystemID, &p.Operation, &p.Payload, &created); err != nil {
			return nil, errors.IO("sql_scan_pending", err)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, p)
	}
	return out, rows.Err()
}
