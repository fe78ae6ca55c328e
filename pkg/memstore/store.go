// Package memstore provides the deduplicated, importance-weighted semantic
// memory store.
//
// The store keeps a full in-memory mirror of the durable memory table and
// scores search candidates as 0.7*cosine + 0.3*importance. Every mutation
// persists before touching the cache, and the cache is rebuilt from storage
// at startup, so the durable store stays authoritative.
//
// An unavailable embedding provider is never fatal: Add degrades to a logged
// no-op and Search to an empty result.
package memstore

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/agentmesh/memcore-go/pkg/decay"
	"github.com/agentmesh/memcore-go/pkg/embedder"
	"github.com/agentmesh/memcore-go/pkg/storage"
)

// Category classifies a memory entry.
type Category string

const (
	CategoryFact       Category = "fact"
	CategoryIdentity   Category = "identity"
	CategoryProject    Category = "project"
	CategoryTechnical  Category = "technical"
	CategoryEpisode    Category = "episode"
	CategoryPreference Category = "preference"
	CategoryDecision   Category = "decision"
)

// Scoring weights for search: similarity dominates, importance boosts.
const (
	similarityWeight = 0.7
	importanceWeight = 0.3
)

// DefaultKeywordFallbackThreshold is the minimum number of keyword prefilter
// matches HybridSearch requires before it trusts the keyword path. Below it,
// the search falls back to a full semantic scan. Tunable via Options.
const DefaultKeywordFallbackThreshold = 3

// Entry is a memory entry held in the cache.
type Entry struct {
	// ID is the unique identifier of the entry.
	ID int64 `json:"id"`

	// Text is the memory content.
	Text string `json:"text"`

	// Category classifies the entry.
	Category Category `json:"category"`

	// Source records where the entry came from.
	Source string `json:"source,omitempty"`

	// Hash is the hash of the normalized text; unique per entry.
	Hash string `json:"-"`

	// Embedding is the vector embedding for similarity search.
	Embedding []float64 `json:"-"`

	// Importance is the standing value of the entry, clamped to [0,1].
	// Decay is evaluated against UpdatedAt via the shared convention; the
	// stored value itself only changes on reinforcement.
	Importance float64 `json:"importance"`

	// Archived entries are excluded from search but kept in storage.
	Archived bool `json:"archived,omitempty"`

	// CreatedAt is when the entry was first stored.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the entry was last written or reinforced.
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveImportance returns the entry's importance after staleness decay.
func (e *Entry) EffectiveImportance(now time.Time) float64 {
	return decay.Effective(e.Importance, e.UpdatedAt, now)
}

// Result is a scored entry returned by search operations.
type Result struct {
	*Entry

	// Score is the combined relevance score.
	Score float64 `json:"score"`
}

// Options tunes store behavior.
type Options struct {
	// KeywordFallbackThreshold overrides DefaultKeywordFallbackThreshold
	// when > 0.
	KeywordFallbackThreshold int
}

// Store is the vector memory store service.
//
// External callers interact only through its serialized operations; a write
// holds exclusive access for the duration of its own mutation, so readers see
// either the pre- or post-mutation state, never a partial one.
type Store struct {
	embedder embedder.Provider
	backend  storage.MemoryStore
	node     *snowflake.Node

	fallbackThreshold int

	mu     sync.RWMutex
	byID   map[int64]*Entry
	byHash map[string]int64
	hits   map[int64]int
}

// NewStore creates a vector memory store and rehydrates its cache from the
// durable backend.
//
// Parameters:
//   - ctx: Context for the initial cache load
//   - provider: Embedding provider (may fail at runtime; never fatal here)
//   - backend: Durable memory store
//   - node: Snowflake node for entry IDs
//   - opts: Optional tuning (nil for defaults)
//
// Returns the store, or an error if the cache load fails.
func NewStore(ctx context.Context, provider embedder.Provider, backend storage.MemoryStore, node *snowflake.Node, opts *Options) (*Store, error) {
	threshold := DefaultKeywordFallbackThreshold
	if opts != nil && opts.KeywordFallbackThreshold > 0 {
		threshold = opts.KeywordFallbackThreshold
	}

	s := &Store{
		embedder:          provider,
		backend:           backend,
		node:              node,
		fallbackThreshold: threshold,
		byID:              make(map[int64]*Entry),
		byHash:            make(map[string]int64),
		hits:              make(map[int64]int),
	}

	if err := s.reload(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// reload rebuilds the in-memory mirror from durable storage.
func (s *Store) reload(ctx context.Context) error {
	records, err := s.backend.All(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID = make(map[int64]*Entry, len(records))
	s.byHash = make(map[string]int64, len(records))
	for _, rec := range records {
		entry := fromRecord(rec)
		s.byID[entry.ID] = entry
		if prev, ok := s.byHash[entry.Hash]; ok {
			// Legacy duplicate on disk; prefer the stronger entry in the
			// hash index and let the slow cycle clean up the rest.
			if s.byID[prev].Importance >= entry.Importance {
				continue
			}
		}
		s.byHash[entry.Hash] = entry.ID
	}

	return nil
}

// Add stores a new memory entry.
//
// The text is normalized and hashed; re-adding the same normalized text does
// not create a second entry. Instead the existing entry is reinforced: its
// importance becomes the max of old and new, and its decay clock resets.
//
// If the embedding provider fails, the write is skipped, logged, and no error
// is returned; an unavailable provider degrades Add to a no-op.
//
// Parameters:
//   - ctx: Context for cancellation
//   - text: Memory content
//   - category: Entry category
//   - source: Where the entry came from
//   - importance: Initial importance, clamped to [0,1]
//   - ts: Entry timestamp (zero = now)
//
// Returns the entry id (existing id on duplicate) and whether a new entry was
// created.
func (s *Store) Add(ctx context.Context, text string, category Category, source string, importance float64, ts time.Time) (int64, bool, error) {
	if strings.TrimSpace(text) == "" {
		return 0, false, nil
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	importance = clamp01(importance)

	hash := HashText(text)

	// Duplicate: reinforce instead of inserting.
	s.mu.RLock()
	existingID, isDup := s.byHash[hash]
	s.mu.RUnlock()
	if isDup {
		if err := s.reinforce(ctx, existingID, importance, ts); err != nil {
			return 0, false, err
		}
		return existingID, false, nil
	}

	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		log.Printf("memcore/memstore: embedding unavailable, skipping add: %v", err)
		return 0, false, nil
	}

	entry := &Entry{
		ID:         s.node.Generate().Int64(),
		Text:       text,
		Category:   category,
		Source:     source,
		Hash:       hash,
		Embedding:  vector,
		Importance: importance,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}

	// The embedding round trip sits between the duplicate check and the
	// insert, so a concurrent Add of the same text may have won in the
	// meantime. Re-check under the write lock and hold it across the insert.
	s.mu.Lock()
	if winnerID, raced := s.byHash[hash]; raced {
		s.mu.Unlock()
		if err := s.reinforce(ctx, winnerID, importance, ts); err != nil {
			return 0, false, err
		}
		return winnerID, false, nil
	}

	if err := s.backend.Insert(ctx, toRecord(entry)); err != nil {
		s.mu.Unlock()
		if errors.Is(err, storage.ErrDuplicate) {
			return s.adoptExisting(ctx, hash, importance, ts)
		}
		return 0, false, err
	}

	s.byID[entry.ID] = entry
	s.byHash[entry.Hash] = entry.ID
	s.mu.Unlock()

	return entry.ID, true, nil
}

// adoptExisting resolves a hash-uniqueness conflict raised by the backend:
// another writer, possibly a separate process sharing the database, stored
// the same normalized text first. The cache is refreshed from storage and
// the surviving entry is reinforced.
func (s *Store) adoptExisting(ctx context.Context, hash string, importance float64, ts time.Time) (int64, bool, error) {
	if err := s.reload(ctx); err != nil {
		return 0, false, err
	}

	s.mu.RLock()
	id, ok := s.byHash[hash]
	s.mu.RUnlock()
	if !ok {
		return 0, false, nil
	}

	if err := s.reinforce(ctx, id, importance, ts); err != nil {
		return 0, false, err
	}
	return id, false, nil
}

// reinforce bumps an existing entry: importance = max(old, new), decay clock
// reset. Persists before updating the cache.
func (s *Store) reinforce(ctx context.Context, id int64, importance float64, ts time.Time) error {
	s.mu.RLock()
	entry, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	updated := *entry
	if importance > updated.Importance {
		updated.Importance = importance
	}
	updated.UpdatedAt = ts
	updated.Archived = false

	if err := s.backend.Update(ctx, toRecord(&updated)); err != nil {
		return err
	}

	s.mu.Lock()
	s.byID[id] = &updated
	s.mu.Unlock()

	return nil
}

// Search performs semantic search over the cached corpus.
//
// Each non-archived entry (optionally restricted to the given categories) is
// scored as 0.7*cosine + 0.3*effectiveImportance; entries below minScore are
// dropped and the top K are returned in descending score order.
//
// If the embedding provider fails, an empty result is returned with no error.
func (s *Store) Search(ctx context.Context, query string, topK int, minScore float64, categories ...Category) ([]*Result, error) {
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("memcore/memstore: embedding unavailable, returning empty search: %v", err)
		return nil, nil
	}

	s.mu.RLock()
	candidates := s.collect(categories)
	s.mu.RUnlock()

	now := time.Now()
	results := make([]*Result, 0, len(candidates))
	for _, entry := range candidates {
		score := similarityWeight*CosineSimilarity(queryVec, entry.Embedding) +
			importanceWeight*entry.EffectiveImportance(now)
		if score >= minScore {
			results = append(results, &Result{Entry: entry, Score: score})
		}
	}

	results = rank(results, topK)
	s.recordHits(results)
	return results, nil
}

// HybridSearch prefilters entries by query tokens before semantic scoring.
//
// Entries whose text contains any query token form the candidate set. When
// fewer than the configured fallback threshold match, the prefilter is judged
// too sparse and a full semantic Search runs instead. Otherwise only the
// keyword matches are ranked by the boosted score.
func (s *Store) HybridSearch(ctx context.Context, query string, topK int) ([]*Result, error) {
	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return s.Search(ctx, query, topK, 0)
	}

	s.mu.RLock()
	var matches []*Entry
	for _, entry := range s.byID {
		if entry.Archived {
			continue
		}
		lower := strings.ToLower(entry.Text)
		for _, tok := range tokens {
			if strings.Contains(lower, tok) {
				matches = append(matches, entry)
				break
			}
		}
	}
	s.mu.RUnlock()

	if len(matches) < s.fallbackThreshold {
		return s.Search(ctx, query, topK, 0)
	}

	now := time.Now()
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		// Keyword matches still carry signal without the provider; rank by
		// standing importance alone.
		log.Printf("memcore/memstore: embedding unavailable, ranking keyword matches by importance: %v", err)
		results := make([]*Result, 0, len(matches))
		for _, entry := range matches {
			results = append(results, &Result{Entry: entry, Score: importanceWeight * entry.EffectiveImportance(now)})
		}
		return rank(results, topK), nil
	}

	results := make([]*Result, 0, len(matches))
	for _, entry := range matches {
		score := similarityWeight*CosineSimilarity(queryVec, entry.Embedding) +
			importanceWeight*entry.EffectiveImportance(now)
		results = append(results, &Result{Entry: entry, Score: score})
	}

	results = rank(results, topK)
	s.recordHits(results)
	return results, nil
}

// Get retrieves a cached entry by id.
func (s *Store) Get(id int64) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byID[id]
	return entry, ok
}

// All returns a snapshot of every cached entry, including archived ones.
// Used for index rebuilds and maintenance scans.
func (s *Store) All() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*Entry, 0, len(s.byID))
	for _, e := range s.byID {
		entries = append(entries, e)
	}
	return entries
}

// Recent returns the n most recently updated entries, newest first.
func (s *Store) Recent(n int) []*Entry {
	entries := s.All()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// Count returns the number of cached entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Delete removes an entry from storage and cache.
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.RLock()
	entry, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := s.backend.Delete(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.byID, id)
	if s.byHash[entry.Hash] == id {
		delete(s.byHash, entry.Hash)
	}
	delete(s.hits, id)
	s.mu.Unlock()

	return nil
}

// PurgeBelow bulk-deletes entries whose stored importance is under the
// threshold. Returns the number of deleted entries.
func (s *Store) PurgeBelow(ctx context.Context, threshold float64) (int64, error) {
	deleted, err := s.backend.DeleteBelowImportance(ctx, threshold)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	for id, entry := range s.byID {
		if entry.Importance < threshold {
			delete(s.byID, id)
			if s.byHash[entry.Hash] == id {
				delete(s.byHash, entry.Hash)
			}
			delete(s.hits, id)
		}
	}
	s.mu.Unlock()

	return deleted, nil
}

// Archive marks an entry as excluded from search without deleting it.
func (s *Store) Archive(ctx context.Context, id int64) error {
	s.mu.RLock()
	entry, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	updated := *entry
	updated.Archived = true

	if err := s.backend.Update(ctx, toRecord(&updated)); err != nil {
		return err
	}

	s.mu.Lock()
	s.byID[id] = &updated
	s.mu.Unlock()

	return nil
}

// Reinforce resets an entry's decay clock and raises its importance to at
// least the given value (clamped to [0,1]).
func (s *Store) Reinforce(ctx context.Context, id int64, importance float64) error {
	return s.reinforce(ctx, id, clamp01(importance), time.Now())
}

// Dedup collapses entries that share a normalized-text hash, keeping the
// highest-importance survivor. Only legacy data written before hash
// uniqueness was enforced can produce such duplicates. Returns the number of
// removed entries.
func (s *Store) Dedup(ctx context.Context) (int, error) {
	s.mu.RLock()
	byHash := make(map[string][]*Entry)
	for _, entry := range s.byID {
		byHash[entry.Hash] = append(byHash[entry.Hash], entry)
	}
	s.mu.RUnlock()

	removed := 0
	for _, group := range byHash {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			return group[i].Importance > group[j].Importance
		})
		for _, loser := range group[1:] {
			if err := s.Delete(ctx, loser.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}

	return removed, nil
}

// FlushHits returns and clears the pending per-entry search hit counters.
// The maintenance loop uses them to promote frequently retrieved entries.
func (s *Store) FlushHits() map[int64]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.hits
	s.hits = make(map[int64]int)
	return out
}

// collect gathers non-archived candidates, optionally filtered by category.
// Caller must hold at least a read lock.
func (s *Store) collect(categories []Category) []*Entry {
	var out []*Entry
	for _, entry := range s.byID {
		if entry.Archived {
			continue
		}
		if len(categories) > 0 && !containsCategory(categories, entry.Category) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// rank sorts results by score descending and truncates to topK.
func rank(results []*Result, topK int) []*Result {
	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

// recordHits bumps the pending hit counter for each returned entry.
func (s *Store) recordHits(results []*Result) {
	if len(results) == 0 {
		return
	}
	s.mu.Lock()
	for _, r := range results {
		s.hits[r.ID]++
	}
	s.mu.Unlock()
}

func containsCategory(categories []Category, c Category) bool {
	for _, cat := range categories {
		if cat == c {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// queryTokens lowercases and splits a query on non-alphanumeric boundaries,
// dropping tokens shorter than 2 characters.
func queryTokens(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

func fromRecord(rec *storage.MemoryRecord) *Entry {
	return &Entry{
		ID:         rec.ID,
		Text:       rec.Text,
		Category:   Category(rec.Category),
		Source:     rec.Source,
		Hash:       rec.Hash,
		Embedding:  rec.Embedding,
		Importance: clamp01(rec.Importance),
		Archived:   rec.Archived,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}

func toRecord(e *Entry) *storage.MemoryRecord {
	return &storage.MemoryRecord{
		ID:         e.ID,
		Text:       e.Text,
		Category:   string(e.Category),
		Source:     e.Source,
		Hash:       e.Hash,
		Embedding:  e.Embedding,
		Importance: e.Importance,
		Archived:   e.Archived,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}
