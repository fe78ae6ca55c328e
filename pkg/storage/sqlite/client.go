// Package sqlite provides the SQLite implementation of the durable stores.
//
// SQLite is the default, local-first backend. Embedding vectors and event
// metadata are stored as JSON strings in TEXT columns; similarity math happens
// in the memstore cache, not in SQL.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/agentmesh/memcore-go/pkg/storage"
)

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Client implements storage.Store using a single SQLite database file.
type Client struct {
	db *sql.DB

	memories  *memoryStore
	relations *relationStore
	events    *eventStore
}

// Config contains configuration for creating a SQLite store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string
}

// NewClient opens (creating if necessary) the SQLite database and initializes
// the schema for all component stores.
//
// This is the only place in the module where a failure is fatal to the
// caller: without a durable store nothing else can run.
func NewClient(cfg *Config) (*Client, error) {
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewSQLiteClient: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	client := &Client{
		db:        db,
		memories:  &memoryStore{db: db},
		relations: &relationStore{db: db},
		events:    &eventStore{db: db},
	}

	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}

	return client, nil
}

// Memories returns the memory entry store.
func (c *Client) Memories() storage.MemoryStore { return c.memories }

// Relations returns the relationship store.
func (c *Client) Relations() storage.RelationStore { return c.relations }

// Events returns the event log store.
func (c *Client) Events() storage.EventStore { return c.events }

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// initTables initializes the schema for all component stores.
func (c *Client) initTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY,
			text TEXT NOT NULL,
			category TEXT NOT NULL,
			source TEXT,
			hash TEXT NOT NULL UNIQUE,
			embedding TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0.5,
			archived INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_hash ON memories(hash)`,
		`CREATE TABLE IF NOT EXISTS relations (
			id INTEGER PRIMARY KEY,
			subject TEXT NOT NULL,
			predicate TEXT NOT NULL,
			object TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0.5,
			source TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relations_subject ON relations(subject)`,
		`CREATE INDEX IF NOT EXISTS idx_relations_object ON relations(object)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			kind TEXT NOT NULL,
			channel_key TEXT NOT NULL,
			user_id TEXT,
			agent_id TEXT,
			content TEXT,
			metadata TEXT,
			parent_id INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_channel ON events(channel_key, id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind_ts ON events(kind, timestamp)`,
	}

	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}

	return nil
}

// memoryStore implements storage.MemoryStore.
type memoryStore struct {
	db *sql.DB
}

// Insert persists a new memory entry. Embeddings are stored as JSON text.
func (s *memoryStore) Insert(ctx context.Context, rec *storage.MemoryRecord) error {
	embeddingJSON, err := json.Marshal(rec.Embedding)
	if err != nil {
		return fmt.Errorf("Insert: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories
		(id, text, category, source, hash, embedding, importance, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Text,
		rec.Category,
		rec.Source,
		rec.Hash,
		string(embeddingJSON),
		rec.Importance,
		boolToInt(rec.Archived),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("Insert: hash %s: %w", rec.Hash, storage.ErrDuplicate)
		}
		return fmt.Errorf("Insert: %w", err)
	}

	return nil
}

// Update persists importance, archived flag, and timestamp changes.
func (s *memoryStore) Update(ctx context.Context, rec *storage.MemoryRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET text = ?, importance = ?, archived = ?, updated_at = ?
		WHERE id = ?`,
		rec.Text,
		rec.Importance,
		boolToInt(rec.Archived),
		rec.UpdatedAt,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("Update: memory %d: %w", rec.ID, storage.ErrNotFound)
	}

	return nil
}

// Get retrieves a memory entry by id.
func (s *memoryStore) Get(ctx context.Context, id int64) (*storage.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, text, category, source, hash, embedding, importance, archived, created_at, updated_at
		FROM memories WHERE id = ?`, id)

	rec, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("Get: memory %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}

	return rec, nil
}

// Delete removes a memory entry by id.
func (s *memoryStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("Delete: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("Delete: memory %d: %w", id, storage.ErrNotFound)
	}

	return nil
}

// DeleteBelowImportance bulk-deletes entries under the threshold.
func (s *memoryStore) DeleteBelowImportance(ctx context.Context, threshold float64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE importance < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("DeleteBelowImportance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("DeleteBelowImportance: %w", err)
	}

	return affected, nil
}

// All iterates the full corpus. Malformed rows are skipped and logged so a
// single bad record never blocks a cache rebuild.
func (s *memoryStore) All(ctx context.Context) ([]*storage.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, category, source, hash, embedding, importance, archived, created_at, updated_at
		FROM memories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("All: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*storage.MemoryRecord
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			log.Printf("memcore/sqlite: skipping malformed memory record: %v", err)
			continue
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("All: %w", err)
	}

	return records, nil
}

// relationStore implements storage.RelationStore.
type relationStore struct {
	db *sql.DB
}

// Insert persists a new relationship.
func (s *relationStore) Insert(ctx context.Context, rec *storage.RelationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relations
		(id, subject, predicate, object, confidence, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Subject,
		rec.Predicate,
		rec.Object,
		rec.Confidence,
		rec.Source,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Insert: %w", err)
	}

	return nil
}

// Update persists confidence and timestamp changes.
func (s *relationStore) Update(ctx context.Context, rec *storage.RelationRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE relations SET confidence = ?, updated_at = ? WHERE id = ?`,
		rec.Confidence, rec.UpdatedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("Update: relation %d: %w", rec.ID, storage.ErrNotFound)
	}

	return nil
}

// Get retrieves a relationship by id.
func (s *relationStore) Get(ctx context.Context, id int64) (*storage.RelationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject, predicate, object, confidence, source, created_at, updated_at
		FROM relations WHERE id = ?`, id)

	rec, err := scanRelation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("Get: relation %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}

	return rec, nil
}

// Delete removes a relationship by id.
func (s *relationStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM relations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("Delete: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("Delete: relation %d: %w", id, storage.ErrNotFound)
	}

	return nil
}

// All iterates all relationships. Malformed rows are skipped and logged.
func (s *relationStore) All(ctx context.Context) ([]*storage.RelationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, predicate, object, confidence, source, created_at, updated_at
		FROM relations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("All: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*storage.RelationRecord
	for rows.Next() {
		rec, err := scanRelation(rows)
		if err != nil {
			log.Printf("memcore/sqlite: skipping malformed relation record: %v", err)
			continue
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("All: %w", err)
	}

	return records, nil
}

// eventStore implements storage.EventStore.
type eventStore struct {
	db *sql.DB
}

// Append persists a new event. Events are immutable once written.
func (s *eventStore) Append(ctx context.Context, rec *storage.EventRecord) error {
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("Append: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events
		(id, timestamp, kind, channel_key, user_id, agent_id, content, metadata, parent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp,
		rec.Kind,
		rec.ChannelKey,
		rec.UserID,
		rec.AgentID,
		rec.Content,
		string(metadataJSON),
		rec.ParentID,
	)
	if err != nil {
		return fmt.Errorf("Append: %w", err)
	}

	return nil
}

// Get retrieves an event by id.
func (s *eventStore) Get(ctx context.Context, id int64) (*storage.EventRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, kind, channel_key, user_id, agent_id, content, metadata, parent_id
		FROM events WHERE id = ?`, id)

	rec, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("Get: event %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}

	return rec, nil
}

// Query returns events matching the filter, newest first.
func (s *eventStore) Query(ctx context.Context, f *storage.EventFilter) ([]*storage.EventRecord, error) {
	if f == nil {
		f = &storage.EventFilter{}
	}

	whereClause, args := buildEventWhere(f)

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, timestamp, kind, channel_key, user_id, agent_id, content, metadata, parent_id
		FROM events
		%s
		ORDER BY id DESC
		LIMIT ?`, whereClause)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*storage.EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			log.Printf("memcore/sqlite: skipping malformed event record: %v", err)
			continue
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}

	return records, nil
}

// DeleteOlderThan removes expired events, keeping the listed kinds forever.
func (s *eventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, keepKinds []string) (int64, error) {
	query := `DELETE FROM events WHERE timestamp < ?`
	args := []interface{}{cutoff}

	if len(keepKinds) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keepKinds)), ",")
		query += fmt.Sprintf(" AND kind NOT IN (%s)", placeholders)
		for _, k := range keepKinds {
			args = append(args, k)
		}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("DeleteOlderThan: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("DeleteOlderThan: %w", err)
	}

	return affected, nil
}
