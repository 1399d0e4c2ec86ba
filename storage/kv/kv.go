// Package kv is the Storage Layer's graph-payload store: a bbolt-backed
// key-value database holding bulk Component/Relationship bytes in the
// column families named by spec §4.1/§6 (nodes, edges, edges_in, metadata),
// keyed for the adjacency-scan access pattern.
//
// Grounded on cuemby-warren/pkg/storage/boltdb.go's bucket-per-entity,
// JSON-marshal-per-value shape.
package kv

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/csaworkbench/engine/domain/model"
	"github.com/csaworkbench/engine/infrastructure/errors"
)

var (
	bucketNodes    = []byte("nodes")
	bucketEdges    = []byte("edges")
	bucketEdgesIn  = []byte("edges_in")
	bucketMetadata = []byte("metadata")
)

const keySep = "\x00"

// Store wraps a bbolt database holding one installation's graph payload.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path and ensures
// every column-family bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.IO("kv_open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNodes, bucketEdges, bucketEdgesIn, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.IO("kv_init_buckets", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nodeKey(systemID, componentID string) []byte {
	return []byte(systemID + keySep + componentID)
}

func edgeKey(systemID, sourceID, relationshipID string) []byte {
	return []byte(systemID + keySep + sourceID + keySep + relationshipID)
}

func edgeInKey(systemID, targetID, relationshipID string) []byte {
	return []byte(systemID + keySep + targetID + keySep + relationshipID)
}

func systemPrefix(systemID string) []byte {
	return []byte(systemID + keySep)
}

// PutComponent upserts a Component's bulk payload under (system_id, component_id).
func (s *Store) PutComponent(systemID string, c *model.Component) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errors.Internal("marshal component", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Put(nodeKey(systemID, c.ID), data)
	})
	if err != nil {
		return errors.IO("kv_put_component", err)
	}
	return nil
}

// GetComponent reads a single Component by (system_id, component_id).
func (s *Store) GetComponent(systemID, componentID string) (*model.Component, error) {
	var c model.Component
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get(nodeKey(systemID, componentID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, errors.IO("kv_get_component", err)
	}
	if !found {
		return nil, errors.NotFound("component", componentID)
	}
	return &c, nil
}

// DeleteComponent removes a Component's payload.
func (s *Store) DeleteComponent(systemID, componentID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete(nodeKey(systemID, componentID))
	})
	if err != nil {
		return errors.IO("kv_delete_component", err)
	}
	return nil
}

// ScanComponents returns every Component belonging to systemID.
func (s *Store) ScanComponents(systemID string) ([]*model.Component, error) {
	var out []*model.Component
	prefix := systemPrefix(systemID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketNodes).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var comp model.Component
			if err := json.Unmarshal(v, &comp); err != nil {
				return err
			}
			out = append(out, &comp)
		}
		return nil
	})
	if err != nil {
		return nil, errors.IO("kv_scan_components", err)
	}
	return out, nil
}

// PutRelationship upserts a Relationship's bulk payload under both the
// edges (outgoing, by source) and edges_in (incoming, by target) families.
func (s *Store) PutRelationship(systemID string, r *model.Relationship) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Internal("marshal relationship", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketEdges).Put(edgeKey(systemID, r.SourceID, r.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketEdgesIn).Put(edgeInKey(systemID, r.TargetID, r.ID), data)
	})
	if err != nil {
		return errors.IO("kv_put_relationship", err)
	}
	return nil
}

// DeleteRelationship removes a Relationship's payload from both families.
// sourceID and targetID are required to reconstruct the composite keys
// (the relational store, authoritative for identity, supplies them).
func (s *Store) DeleteRelationship(systemID, sourceID, targetID, relationshipID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketEdges).Delete(edgeKey(systemID, sourceID, relationshipID)); err != nil {
			return err
		}
		return tx.Bucket(bucketEdgesIn).Delete(edgeInKey(systemID, targetID, relationshipID))
	})
	if err != nil {
		return errors.IO("kv_delete_relationship", err)
	}
	return nil
}

// ScanOutgoing returns every Relationship whose source is componentID.
func (s *Store) ScanOutgoing(systemID, componentID string) ([]*model.Relationship, error) {
	prefix := []byte(systemID + keySep + componentID + keySep)
	return s.scanEdges(bucketEdges, prefix)
}

// ScanIncoming returns every Relationship whose target is componentID.
func (s *Store) ScanIncoming(systemID, componentID string) ([]*model.Relationship, error) {
	prefix := []byte(systemID + keySep + componentID + keySep)
	return s.scanEdges(bucketEdgesIn, prefix)
}

// ScanRelationships returns every Relationship belonging to systemID (the
// edges bucket, keyed by source, already covers the full set once scanned
// by system prefix alone).
func (s *Store) ScanRelationships(systemID string) ([]*model.Relationship, error) {
	return s.scanEdges(bucketEdges, systemPrefix(systemID))
}

func (s *Store) scanEdges(bucket, prefix []byte) ([]*model.Relationship, error) {
	var out []*model.Relationship
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var rel model.Relationship
			if err := json.Unmarshal(v, &rel); err != nil {
				return err
			}
			out = append(out, &rel)
		}
		return nil
	})
	if err != nil {
		return nil, errors.IO("kv_scan_edges", err)
	}
	return out, nil
}

// PutSystemMetadata stores the System-level header (name/description/
// timestamps/metadata) in the metadata column family, keyed by system id.
func (s *Store) PutSystemMetadata(systemID string, header interface{}) error {
	data, err := json.Marshal(header)
	if err != nil {
		return errors.Internal("marshal system metadata", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put([]byte(systemID), data)
	})
	if err != nil {
		return errors.IO("kv_put_metadata", err)
	}
	return nil
}

// DeleteSystem removes every key belonging to systemID across all four
// column families — used by store_system's rollback path and by restore.
func (s *Store) DeleteSystem(systemID string) error {
	prefix := systemPrefix(systemID)
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketNodes, bucketEdges, bucketEdgesIn} {
			b := tx.Bucket(name)
			c := b.Cursor()
			var keys [][]byte
			for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return tx.Bucket(bucketMetadata).Delete([]byte(systemID))
	})
	if err != nil {
		return errors.IO("kv_delete_system", err)
	}
	return nil
}

// Snapshot writes a consistent point-in-time copy of the whole database to
// w (spec §4.1 backup: "the engine must continue to serve reads during
// backup"). bbolt's read transaction observes an MVCC-consistent view and
// does not block concurrent writers.
func (s *Store) Snapshot(w io.Writer) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
	if err != nil {
		return errors.IO("kv_snapshot", err)
	}
	return nil
}

// Path returns the bbolt database's file path, for restore-by-replace.
func (s *Store) Path() string {
	return s.db.Path()
}

// RestoreStage copies r into a temporary file beside path, without touching
// path itself — the caller validates the staged bytes (e.g. against a backup
// manifest checksum) and either CommitRestore's it into place or discards it
// with os.Remove, so a truncated or tampered backup never destroys the
// existing database before the mismatch is caught.
func RestoreStage(path string, r io.Reader) (string, error) {
	tmp := path + ".restore.tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", errors.IO("kv_restore_stage_create", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", errors.IO("kv_restore_stage_write", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", errors.IO("kv_restore_stage_close", err)
	}
	return tmp, nil
}

// CommitRestore renames a file staged by RestoreStage into path and opens it
// — used by storage/engine's restore() to atomically swap in a backed-up KV
// snapshot only after its checksum has been verified. The caller must have
// already Close()d any Store open on path.
func CommitRestore(tmpPath, path string) (*Store, error) {
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, errors.IO("kv_restore_commit_rename", err)
	}
	return Open(path)
}
