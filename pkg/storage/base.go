// Package storage provides interfaces and record types for durable storage
// backends.
//
// One logical store exists per stateful component: memory entries (with
// embeddings), relationship triples, and the event log. Every backend must
// support point lookup by id, filtered range queries, and full iteration so
// in-memory caches can be rebuilt from a cold start. The durable store is
// always authoritative; in-process caches are mirrors rebuilt from it.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by every backend. Backends wrap them with operation
// context; callers match with errors.Is.
var (
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an insert violates a uniqueness
	// constraint (the memory hash). Callers resolve it by reinforcing the
	// existing record instead of failing the write.
	ErrDuplicate = errors.New("duplicate record")

	// ErrMalformedRecord is returned when a persisted record fails to parse.
	// Full-corpus loaders skip such records and continue.
	ErrMalformedRecord = errors.New("malformed record")
)

// MemoryRecord represents a memory entry as persisted.
//
// This type is defined in the storage package to avoid circular dependencies
// with the memstore package. It mirrors the memstore.Entry structure.
type MemoryRecord struct {
	// ID is the unique identifier of the entry.
	ID int64

	// Text is the memory content.
	Text string

	// Category classifies the entry (fact, identity, project, ...).
	Category string

	// Source records where the entry came from (conversation, manual, ...).
	Source string

	// Hash is the hash of the normalized text, unique per entry.
	Hash string

	// Embedding is the vector embedding for similarity search.
	Embedding []float64

	// Importance is the standing value of the entry, clamped to [0,1].
	Importance float64

	// Archived marks entries excluded from search but not deleted.
	Archived bool

	// CreatedAt is when the entry was first stored.
	CreatedAt time.Time

	// UpdatedAt is when the entry was last written or reinforced. Decay is
	// measured from this timestamp.
	UpdatedAt time.Time
}

// RelationRecord represents a subject-predicate-object relationship as
// persisted.
type RelationRecord struct {
	// ID is the unique identifier of the relationship.
	ID int64

	// Subject, Predicate, Object form the triple. Uniqueness is
	// case-insensitive across all three.
	Subject   string
	Predicate string
	Object    string

	// Confidence is the standing confidence of the fact, clamped to [0,1].
	Confidence float64

	// Source records where the relationship came from.
	Source string

	// CreatedAt is when the relationship was first stored.
	CreatedAt time.Time

	// UpdatedAt is when the relationship was last reinforced.
	UpdatedAt time.Time
}

// EventRecord represents one immutable event in the unified stream.
type EventRecord struct {
	// ID is the unique, strictly increasing identifier of the event.
	ID int64

	// Timestamp is when the event was appended.
	Timestamp time.Time

	// Kind classifies the event (message, toolCall, toolResult, memory,
	// system, bridge, research, browserAction).
	Kind string

	// ChannelKey identifies the conversation context.
	ChannelKey string

	// UserID identifies the user, if any.
	UserID string

	// AgentID identifies the agent that produced the event.
	AgentID string

	// Content is the event payload text.
	Content string

	// Metadata carries additional structured information.
	Metadata map[string]interface{}

	// ParentID threads the event under another event (0 = none).
	ParentID int64
}

// EventFilter selects events for Query.
//
// Zero values mean "no constraint". Results are returned newest first.
type EventFilter struct {
	// ChannelKey restricts to one conversation context.
	ChannelKey string

	// Kinds restricts to the listed event kinds.
	Kinds []string

	// UserID restricts to one user.
	UserID string

	// Since restricts to events at or after this time.
	Since time.Time

	// Limit caps the number of returned events (0 = backend default).
	Limit int
}

// MemoryStore persists memory entries and their embeddings.
type MemoryStore interface {
	// Insert persists a new entry.
	Insert(ctx context.Context, rec *MemoryRecord) error

	// Update persists changes to an existing entry (importance, archived
	// flag, timestamps). Returns an error wrapping ErrNotFound if the id
	// does not exist.
	Update(ctx context.Context, rec *MemoryRecord) error

	// Get retrieves an entry by id.
	Get(ctx context.Context, id int64) (*MemoryRecord, error)

	// Delete removes an entry by id.
	Delete(ctx context.Context, id int64) error

	// DeleteBelowImportance bulk-deletes entries whose importance is below
	// the threshold. Returns the number of deleted entries.
	DeleteBelowImportance(ctx context.Context, threshold float64) (int64, error)

	// All iterates the full corpus for cache rebuild. Rows that fail to
	// parse are skipped and logged, never fatal.
	All(ctx context.Context) ([]*MemoryRecord, error)
}

// RelationStore persists relationship triples.
type RelationStore interface {
	// Insert persists a new relationship.
	Insert(ctx context.Context, rec *RelationRecord) error

	// Update persists confidence/timestamp changes to a relationship.
	Update(ctx context.Context, rec *RelationRecord) error

	// Get retrieves a relationship by id.
	Get(ctx context.Context, id int64) (*RelationRecord, error)

	// Delete removes a relationship by id.
	Delete(ctx context.Context, id int64) error

	// All iterates all relationships for cache rebuild.
	All(ctx context.Context) ([]*RelationRecord, error)
}

// EventStore persists the append-only event log.
type EventStore interface {
	// Append persists a new event. Events are never updated or reordered.
	Append(ctx context.Context, rec *EventRecord) error

	// Get retrieves an event by id.
	Get(ctx context.Context, id int64) (*EventRecord, error)

	// Query returns events matching the filter, newest first.
	Query(ctx context.Context, f *EventFilter) ([]*EventRecord, error)

	// DeleteOlderThan removes events with Timestamp before cutoff whose kind
	// is not in keepKinds. Returns the number of deleted events.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, keepKinds []string) (int64, error)
}

// Store bundles the per-component stores of one durable backend.
type Store interface {
	// Memories returns the memory entry store.
	Memories() MemoryStore

	// Relations returns the relationship store.
	Relations() RelationStore

	// Events returns the event log store.
	Events() EventStore

	// Close closes the underlying connections.
	Close() error
}
