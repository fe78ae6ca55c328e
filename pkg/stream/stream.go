// Package stream provides the unified append-only event stream.
//
// Every piece of system activity lands here as an immutable, strictly
// id-ordered event. Appends persist durably first, then land in a bounded
// in-process ring buffer that serves low-latency "recent context" reads;
// anything the ring cannot answer falls back to the durable log.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/agentmesh/memcore-go/pkg/storage"
)

// Kind classifies an event.
type Kind string

const (
	KindMessage       Kind = "message"
	KindToolCall      Kind = "toolCall"
	KindToolResult    Kind = "toolResult"
	KindMemory        Kind = "memory"
	KindSystem        Kind = "system"
	KindBridge        Kind = "bridge"
	KindResearch      Kind = "research"
	KindBrowserAction Kind = "browserAction"
)

// RetainedKinds are never purged by retention: they represent durable state,
// not transient chat.
var RetainedKinds = []string{string(KindMemory), string(KindSystem)}

// DefaultRetention is how long ephemeral event kinds are kept.
const DefaultRetention = 30 * 24 * time.Hour

// DefaultRingSize is the default capacity of the recent-events ring buffer.
const DefaultRingSize = 256

// Event is one immutable stream event.
type Event struct {
	// ID is unique and strictly increasing across the stream.
	ID int64 `json:"id"`

	// Timestamp is when the event was appended.
	Timestamp time.Time `json:"timestamp"`

	// Kind classifies the event.
	Kind Kind `json:"kind"`

	// ChannelKey identifies the conversation context.
	ChannelKey string `json:"channel_key"`

	// UserID identifies the user, if any.
	UserID string `json:"user_id,omitempty"`

	// AgentID identifies the agent that produced the event.
	AgentID string `json:"agent_id,omitempty"`

	// Content is the event payload text.
	Content string `json:"content"`

	// Metadata carries additional structured information.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// ParentID threads the event under another event (0 = none).
	ParentID int64 `json:"parent_id,omitempty"`
}

// AppendOptions carries the optional fields of an append.
type AppendOptions struct {
	// UserID identifies the user (optional).
	UserID string

	// Metadata carries additional structured information (optional).
	Metadata map[string]interface{}

	// ParentID threads the event under another event (optional).
	ParentID int64
}

// Filter selects events for Query. Zero values mean "no constraint".
type Filter struct {
	ChannelKey string
	Kinds      []Kind
	UserID     string
	Since      time.Time
	Limit      int
}

// Stream is the unified event stream service.
//
// It is thread-safe. Appends are serialized; a reader sees either the pre-
// or post-append state of the ring, never a partial one.
type Stream struct {
	backend   storage.EventStore
	node      *snowflake.Node
	retention time.Duration

	mu    sync.RWMutex
	ring  []*Event
	next  int
	count int
}

// Options tunes stream behavior.
type Options struct {
	// RingSize overrides DefaultRingSize when > 0.
	RingSize int

	// Retention overrides DefaultRetention when > 0.
	Retention time.Duration
}

// NewStream creates an event stream backed by the given durable log.
//
// The ring buffer is warmed from the most recent durable events so
// RecentContext works immediately after a restart.
func NewStream(ctx context.Context, backend storage.EventStore, node *snowflake.Node, opts *Options) (*Stream, error) {
	ringSize := DefaultRingSize
	retention := DefaultRetention
	if opts != nil {
		if opts.RingSize > 0 {
			ringSize = opts.RingSize
		}
		if opts.Retention > 0 {
			retention = opts.Retention
		}
	}

	s := &Stream{
		backend:   backend,
		node:      node,
		retention: retention,
		ring:      make([]*Event, ringSize),
	}

	// Warm the ring: Query returns newest first, the ring wants oldest first.
	recent, err := backend.Query(ctx, &storage.EventFilter{Limit: ringSize})
	if err != nil {
		return nil, err
	}
	for i := len(recent) - 1; i >= 0; i-- {
		s.push(fromRecord(recent[i]))
	}

	return s, nil
}

// Append writes a new event durably and pushes it into the ring buffer.
//
// IDs are snowflake-generated from a single node. Generation, durable append,
// and ring push happen in one critical section, so ids are unique and
// strictly increasing and the ring's positional order always matches id
// order, even under concurrent appends.
//
// Parameters:
//   - ctx: Context for cancellation
//   - kind: Event kind (callers classify before appending)
//   - channelKey: Conversation context key
//   - agentID: Agent that produced the event
//   - content: Event payload text
//   - opts: Optional fields (nil for none)
//
// Returns the appended event.
func (s *Stream) Append(ctx context.Context, kind Kind, channelKey, agentID, content string, opts *AppendOptions) (*Event, error) {
	if opts == nil {
		opts = &AppendOptions{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	event := &Event{
		ID:         s.node.Generate().Int64(),
		Timestamp:  time.Now(),
		Kind:       kind,
		ChannelKey: channelKey,
		UserID:     opts.UserID,
		AgentID:    agentID,
		Content:    content,
		Metadata:   opts.Metadata,
		ParentID:   opts.ParentID,
	}

	if err := s.backend.Append(ctx, toRecord(event)); err != nil {
		return nil, err
	}

	s.push(event)

	return event, nil
}

// push inserts an event into the ring. Caller must hold the write lock
// (or own the stream exclusively, as during construction).
func (s *Stream) push(e *Event) {
	s.ring[s.next] = e
	s.next = (s.next + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}
}

// Query returns a filtered, reverse-chronological page from durable storage.
func (s *Stream) Query(ctx context.Context, f *Filter) ([]*Event, error) {
	if f == nil {
		f = &Filter{}
	}

	kinds := make([]string, len(f.Kinds))
	for i, k := range f.Kinds {
		kinds[i] = string(k)
	}

	records, err := s.backend.Query(ctx, &storage.EventFilter{
		ChannelKey: f.ChannelKey,
		Kinds:      kinds,
		UserID:     f.UserID,
		Since:      f.Since,
		Limit:      f.Limit,
	})
	if err != nil {
		return nil, err
	}

	events := make([]*Event, len(records))
	for i, rec := range records {
		events[i] = fromRecord(rec)
	}
	return events, nil
}

// RecentContext returns the most recent events for a channel, newest first.
//
// Served from the ring buffer when it holds enough matching events; otherwise
// falls back to a durable Query.
func (s *Stream) RecentContext(ctx context.Context, channelKey string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	matched := make([]*Event, 0, limit)
	for i := 0; i < s.count && len(matched) < limit; i++ {
		// Walk backwards from the newest slot.
		idx := (s.next - 1 - i + len(s.ring)) % len(s.ring)
		e := s.ring[idx]
		if e != nil && e.ChannelKey == channelKey {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	if len(matched) >= limit {
		return matched, nil
	}

	return s.Query(ctx, &Filter{ChannelKey: channelKey, Limit: limit})
}

// PurgeOldEvents deletes events older than the retention window, keeping
// memory and system kinds indefinitely. Returns the number of deleted events.
func (s *Stream) PurgeOldEvents(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.retention)
	return s.backend.DeleteOlderThan(ctx, cutoff, RetainedKinds)
}

// Stats aggregates recent stream activity by kind over the given window.
func (s *Stream) Stats(ctx context.Context, window time.Duration, limit int) (map[Kind]int, error) {
	if limit <= 0 {
		limit = 1000
	}

	events, err := s.Query(ctx, &Filter{Since: time.Now().Add(-window), Limit: limit})
	if err != nil {
		return nil, err
	}

	stats := make(map[Kind]int)
	for _, e := range events {
		stats[e.Kind]++
	}
	return stats, nil
}

func fromRecord(rec *storage.EventRecord) *Event {
	return &Event{
		ID:         rec.ID,
		Timestamp:  rec.Timestamp,
		Kind:       Kind(rec.Kind),
		ChannelKey: rec.ChannelKey,
		UserID:     rec.UserID,
		AgentID:    rec.AgentID,
		Content:    rec.Content,
		Metadata:   rec.Metadata,
		ParentID:   rec.ParentID,
	}
}

func toRecord(e *Event) *storage.EventRecord {
	return &storage.EventRecord{
		ID:         e.ID,
		Timestamp:  e.Timestamp,
		Kind:       string(e.Kind),
		ChannelKey: e.ChannelKey,
		UserID:     e.UserID,
		AgentID:    e.AgentID,
		Content:    e.Content,
		Metadata:   e.Metadata,
		ParentID:   e.ParentID,
	}
}
