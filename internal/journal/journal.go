// Package journal records the registration traffic each mock registry
// receives (POSTs, DELETEs and heartbeats) so tests can inspect what a
// Node under test sent, in order.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Kind classifies a journal entry.
type Kind string

const (
	KindPost      Kind = "post"
	KindDelete    Kind = "delete"
	KindHeartbeat Kind = "heartbeat"
)

// Entry is one recorded registration API call.
type Entry struct {
	ID           int64           `json:"id"`
	Registry     int             `json:"registry"` // registry port
	Kind         Kind            `json:"kind"`
	Time         time.Time       `json:"time"`
	APIVersion   string          `json:"api_version"`
	ResourceType string          `json:"type,omitempty"`
	ResourceID   string          `json:"resource_id"`
	Owner        string          `json:"owner,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Journal stores entries in SQLite.
type Journal struct {
	log zerolog.Logger
	db  *sql.DB
}

// Open opens a SQLite database and creates the schema. ":memory:" keeps the
// journal in process memory.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS registration_calls (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		registry      INTEGER NOT NULL,
		kind          TEXT NOT NULL,
		recorded_at   INTEGER NOT NULL,
		api_version   TEXT NOT NULL,
		resource_type TEXT,
		resource_id   TEXT,
		owner         TEXT,
		payload       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_registration_calls_registry ON registration_calls(registry, kind, id);
	`
	_, err := db.Exec(schema)
	return err
}

// New wraps an opened database.
func New(log zerolog.Logger, db *sql.DB) *Journal {
	return &Journal{
		log: log.With().Str("component", "journal").Logger(),
		db:  db,
	}
}

// Record appends an entry. A zero Time is replaced by the current time.
func (j *Journal) Record(e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := j.db.Exec(`
		INSERT INTO registration_calls (registry, kind, recorded_at, api_version, resource_type, resource_id, owner, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Registry, string(e.Kind), e.Time.UnixNano(), e.APIVersion, e.ResourceType, e.ResourceID, e.Owner, string(e.Payload))
	if err != nil {
		return fmt.Errorf("record %s: %w", e.Kind, err)
	}
	return nil
}

// List returns a registry's entries of one kind in arrival order.
func (j *Journal) List(registry int, kind Kind) ([]Entry, error) {
	rows, err := j.db.Query(`
		SELECT id, registry, kind, recorded_at, api_version, resource_type, resource_id, owner, payload
		FROM registration_calls WHERE registry = ? AND kind = ? ORDER BY id
	`, registry, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e                    Entry
			k                    string
			nanos                int64
			typ, id, owner, body sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Registry, &k, &nanos, &e.APIVersion, &typ, &id, &owner, &body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		e.Kind = Kind(k)
		e.Time = time.Unix(0, nanos)
		e.ResourceType = typ.String
		e.ResourceID = id.String
		e.Owner = owner.String
		if body.String != "" {
			e.Payload = json.RawMessage(body.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear removes every entry of a registry.
func (j *Journal) Clear(registry int) error {
	if _, err := j.db.Exec(`DELETE FROM registration_calls WHERE registry = ?`, registry); err != nil {
		return fmt.Errorf("clear registry %d: %w", registry, err)
	}
	return nil
}
