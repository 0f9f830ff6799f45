// Package audit — ledger.go
//
// BoltDB-backed execution history for the script engine.
//
// Schema:
//
//	/history
//	    key:   UTC RFC3339 timestamp with a fixed 9-digit fraction + "_" + script id  [sortable]
//	    value: JSON-encoded model.ExecutionResult
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// This ledger is write-only from the engine's perspective and read-only
// from the command router's diagnostic surface (spec.md §6 "GetHistory").
// It is never read back into engine state on startup: Script.ErrorCount,
// trigger state, and the rate limiter all still reset to zero on every
// process start. Recording history here does not reintroduce the persisted
// runtime state spec.md §6 excludes.
//
// Retention matches the teacher's ledger: entries older than RetentionDays
// are removed by Prune, which the agent calls once at startup.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/suderra/edge-agent/internal/model"
)

const (
	// DefaultDBPath is the default BoltDB file location for the audit ledger.
	DefaultDBPath = "/var/lib/edge-agent/audit.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default history retention period.
	DefaultRetentionDays = 30

	bucketHistory = "history"
	bucketMeta    = "meta"
)

// Ledger wraps a BoltDB instance holding the execution-history audit trail.
type Ledger struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the audit ledger at the given path.
func Open(path string, retentionDays int) (*Ledger, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: bolt.Open(%q): %w", path, err)
	}

	l := &Ledger{db: bdb, retentionDays: retentionDays}

	if err := l.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketHistory, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("audit: database initialisation failed: %w", err)
	}

	if err := l.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return l, nil
}

func (l *Ledger) checkSchemaVersion() error {
	return l.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("audit: schema version mismatch: database has %q, agent requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func historyKey(t time.Time, scriptID string) []byte {
	// Fixed-width fraction: RFC3339Nano drops trailing zeros, which would
	// break the lexical ordering of keys within one second.
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), scriptID))
}

// Record appends one execution result to the ledger. Called by the engine
// after every Execute call; never read back by the engine itself.
func (l *Ledger) Record(result model.ExecutionResult) error {
	ts := result.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("audit: marshal result: %w", err)
	}
	key := historyKey(ts, result.ScriptID)
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketHistory))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("audit: put: %w", err)
		}
		return nil
	})
}

// Prune deletes history entries older than the configured retention
// window. Returns the number of entries deleted.
func (l *Ledger) Prune() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -l.retentionDays)
	cutoffKey := historyKey(cutoff, "")

	var deleted int
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketHistory))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("audit: delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// History returns the recorded execution results for scriptID (for every
// script when scriptID is empty), in chronological order; a positive limit
// keeps only the most recent limit entries. Used by the command router's
// diagnostic surface, never by the engine.
func (l *Ledger) History(scriptID string, limit int) ([]model.ExecutionResult, error) {
	var out []model.ExecutionResult
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketHistory))
		return b.ForEach(func(k, v []byte) error {
			var res model.ExecutionResult
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			if scriptID != "" && res.ScriptID != scriptID {
				return nil
			}
			out = append(out, res)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
