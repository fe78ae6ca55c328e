// Package postgres provides the PostgreSQL implementation of the durable
// stores.
//
// It mirrors the SQLite backend behind the same storage interfaces so a
// deployment can move off a local file without touching the components.
// Embeddings and event metadata are stored as JSONB.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/agentmesh/memcore-go/pkg/storage"
)

// uniqueViolation is the PostgreSQL error code for unique_violation.
const uniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// Client implements storage.Store using PostgreSQL.
type Client struct {
	db *sql.DB

	memories  *memoryStore
	relations *relationStore
	events    *eventStore
}

// Config contains PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// NewClient connects to PostgreSQL and initializes the schema for all
// component stores.
func NewClient(cfg *Config) (*Client, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
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

func (c *Client) initTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id BIGINT PRIMARY KEY,
			text TEXT NOT NULL,
			category VARCHAR(64) NOT NULL,
			source VARCHAR(255),
			hash VARCHAR(64) NOT NULL UNIQUE,
			embedding JSONB NOT NULL,
			importance FLOAT NOT NULL DEFAULT 0.5,
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS relations (
			id BIGINT PRIMARY KEY,
			subject VARCHAR(255) NOT NULL,
			predicate VARCHAR(255) NOT NULL,
			object VARCHAR(255) NOT NULL,
			confidence FLOAT NOT NULL DEFAULT 0.5,
			source VARCHAR(255),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relations_subject ON relations(subject)`,
		`CREATE INDEX IF NOT EXISTS idx_relations_object ON relations(object)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGINT PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			kind VARCHAR(32) NOT NULL,
			channel_key VARCHAR(255) NOT NULL,
			user_id VARCHAR(255),
			agent_id VARCHAR(255),
			content TEXT,
			metadata JSONB,
			parent_id BIGINT NOT NULL DEFAULT 0
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

type memoryStore struct {
	db *sql.DB
}

func (s *memoryStore) Insert(ctx context.Context, rec *storage.MemoryRecord) error {
	embeddingJSON, err := json.Marshal(rec.Embedding)
	if err != nil {
		return fmt.Errorf("Insert: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories
		(id, text, category, source, hash, embedding, importance, archived, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.Text, rec.Category, rec.Source, rec.Hash,
		string(embeddingJSON), rec.Importance, rec.Archived,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("Insert: hash %s: %w", rec.Hash, storage.ErrDuplicate)
		}
		return fmt.Errorf("Insert: %w", err)
	}

	return nil
}

func (s *memoryStore) Update(ctx context.Context, rec *storage.MemoryRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE memories SET text = $1, importance = $2, archived = $3, updated_at = $4
		WHERE id = $5`,
		rec.Text, rec.Importance, rec.Archived, rec.UpdatedAt, rec.ID)
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

func (s *memoryStore) Get(ctx context.Context, id int64) (*storage.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, text, category, source, hash, embedding, importance, archived, created_at, updated_at
		FROM memories WHERE id = $1`, id)

	rec, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("Get: memory %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}

	return rec, nil
}

func (s *memoryStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
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

func (s *memoryStore) DeleteBelowImportance(ctx context.Context, threshold float64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE importance < $1`, threshold)
	if err != nil {
		return 0, fmt.Errorf("DeleteBelowImportance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("DeleteBelowImportance: %w", err)
	}

	return affected, nil
}

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
			log.Printf("memcore/postgres: skipping malformed memory record: %v", err)
			continue
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("All: %w", err)
	}

	return records, nil
}

type relationStore struct {
	db *sql.DB
}

func (s *relationStore) Insert(ctx context.Context, rec *storage.RelationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relations
		(id, subject, predicate, object, confidence, source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Subject, rec.Predicate, rec.Object,
		rec.Confidence, rec.Source, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Insert: %w", err)
	}

	return nil
}

func (s *relationStore) Update(ctx context.Context, rec *storage.RelationRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE relations SET confidence = $1, updated_at = $2 WHERE id = $3`,
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

func (s *relationStore) Get(ctx context.Context, id int64) (*storage.RelationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject, predicate, object, confidence, source, created_at, updated_at
		FROM relations WHERE id = $1`, id)

	rec, err := scanRelation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("Get: relation %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}

	return rec, nil
}

func (s *relationStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM relations WHERE id = $1`, id)
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
			log.Printf("memcore/postgres: skipping malformed relation record: %v", err)
			continue
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("All: %w", err)
	}

	return records, nil
}

type eventStore struct {
	db *sql.DB
}

func (s *eventStore) Append(ctx context.Context, rec *storage.EventRecord) error {
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("Append: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events
		(id, timestamp, kind, channel_key, user_id, agent_id, content, metadata, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.Timestamp, rec.Kind, rec.ChannelKey,
		rec.UserID, rec.AgentID, rec.Content, string(metadataJSON), rec.ParentID,
	)
	if err != nil {
		return fmt.Errorf("Append: %w", err)
	}

	return nil
}

func (s *eventStore) Get(ctx context.Context, id int64) (*storage.EventRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, kind, channel_key, user_id, agent_id, content, metadata, parent_id
		FROM events WHERE id = $1`, id)

	rec, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("Get: event %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}

	return rec, nil
}

func (s *eventStore) Query(ctx context.Context, f *storage.EventFilter) ([]*storage.EventRecord, error) {
	if f == nil {
		f = &storage.EventFilter{}
	}

	conditions := []string{}
	args := []interface{}{}
	place := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.ChannelKey != "" {
		conditions = append(conditions, "channel_key = "+place(f.ChannelKey))
	}
	if len(f.Kinds) > 0 {
		placeholders := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			placeholders[i] = place(k)
		}
		conditions = append(conditions, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.UserID != "" {
		conditions = append(conditions, "user_id = "+place(f.UserID))
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "timestamp >= "+place(f.Since))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, timestamp, kind, channel_key, user_id, agent_id, content, metadata, parent_id
		FROM events
		%s
		ORDER BY id DESC
		LIMIT %s`, whereClause, place(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*storage.EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			log.Printf("memcore/postgres: skipping malformed event record: %v", err)
			continue
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}

	return records, nil
}

func (s *eventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, keepKinds []string) (int64, error) {
	args := []interface{}{cutoff}
	query := `DELETE FROM events WHERE timestamp < $1`

	if len(keepKinds) > 0 {
		placeholders := make([]string, len(keepKinds))
		for i, k := range keepKinds {
			args = append(args, k)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " AND kind NOT IN (" + strings.Join(placeholders, ", ") + ")"
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
