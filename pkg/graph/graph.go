// Package graph provides the typed entity knowledge graph.
//
// Relationships are subject-predicate-object triples with a confidence score.
// Triples are unique case-insensitively; both endpoints are indexed in an
// adjacency cache for O(1) lookup. The durable relation store is
// authoritative and the cache is rebuilt from it at startup.
package graph

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/agentmesh/memcore-go/pkg/decay"
	"github.com/agentmesh/memcore-go/pkg/storage"
)

// PredicateMentionedWith is the low-confidence predicate written by the
// maintenance loop's co-occurrence extraction. It is the graph's only write
// path besides explicit external calls.
const PredicateMentionedWith = "mentioned_with"

// Relationship is a typed edge between two entities.
type Relationship struct {
	// ID is the unique identifier of the relationship.
	ID int64 `json:"id"`

	// Subject, Predicate, Object form the triple.
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`

	// Confidence is the standing confidence of the fact, clamped to [0,1].
	Confidence float64 `json:"confidence"`

	// Source records where the relationship came from.
	Source string `json:"source,omitempty"`

	// CreatedAt is when the relationship was first stored.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the relationship was last reinforced.
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveConfidence returns the confidence after staleness decay, using
// the same convention as memory importance.
func (r *Relationship) EffectiveConfidence(now time.Time) float64 {
	return decay.Effective(r.Confidence, r.UpdatedAt, now)
}

// tripleKey is the case-insensitive uniqueness key of a relationship.
func tripleKey(subject, predicate, object string) string {
	return strings.ToLower(subject) + "\x00" + strings.ToLower(predicate) + "\x00" + strings.ToLower(object)
}

// Graph is the entity knowledge graph service.
//
// It is thread-safe; mutations persist durably before the adjacency cache is
// updated.
type Graph struct {
	backend storage.RelationStore
	node    *snowflake.Node

	mu        sync.RWMutex
	byID      map[int64]*Relationship
	byTriple  map[string]int64
	adjacency map[string][]int64 // lowercase entity -> relationship ids
}

// NewGraph creates a knowledge graph and rehydrates its caches from the
// durable backend.
func NewGraph(ctx context.Context, backend storage.RelationStore, node *snowflake.Node) (*Graph, error) {
	g := &Graph{
		backend: backend,
		node:    node,
	}

	if err := g.reload(ctx); err != nil {
		return nil, err
	}

	return g, nil
}

// reload rebuilds the caches from durable storage.
func (g *Graph) reload(ctx context.Context) error {
	records, err := g.backend.All(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.byID = make(map[int64]*Relationship, len(records))
	g.byTriple = make(map[string]int64, len(records))
	g.adjacency = make(map[string][]int64)

	for _, rec := range records {
		rel := fromRecord(rec)
		g.byID[rel.ID] = rel

		key := tripleKey(rel.Subject, rel.Predicate, rel.Object)
		if prev, dup := g.byTriple[key]; dup {
			// Duplicate triples on disk survive until the next dedup pass;
			// keep the higher-confidence one in the triple index.
			if g.byID[prev].Confidence >= rel.Confidence {
				g.link(rel)
				continue
			}
		}
		g.byTriple[key] = rel.ID
		g.link(rel)
	}

	return nil
}

// link adds a relationship to both endpoints' adjacency lists.
// Caller must hold the write lock.
func (g *Graph) link(rel *Relationship) {
	subj := strings.ToLower(rel.Subject)
	obj := strings.ToLower(rel.Object)
	g.adjacency[subj] = append(g.adjacency[subj], rel.ID)
	if obj != subj {
		g.adjacency[obj] = append(g.adjacency[obj], rel.ID)
	}
}

// unlink removes a relationship id from both endpoints' adjacency lists.
// Caller must hold the write lock.
func (g *Graph) unlink(rel *Relationship) {
	for _, entity := range []string{strings.ToLower(rel.Subject), strings.ToLower(rel.Object)} {
		list := g.adjacency[entity]
		for i, id := range list {
			if id == rel.ID {
				g.adjacency[entity] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(g.adjacency[entity]) == 0 {
			delete(g.adjacency, entity)
		}
	}
}

// Add stores a relationship.
//
// An exact-duplicate triple (case-insensitive) is not an error: the existing
// edge is reinforced instead: its confidence becomes the max of old and new
// and its decay clock resets. Confidence is clamped to [0,1].
//
// Returns the relationship id (existing id on duplicate) and whether a new
// edge was created.
func (g *Graph) Add(ctx context.Context, subject, predicate, object string, confidence float64, source string) (int64, bool, error) {
	subject = strings.TrimSpace(subject)
	predicate = strings.TrimSpace(predicate)
	object = strings.TrimSpace(object)
	if subject == "" || predicate == "" || object == "" {
		return 0, false, nil
	}
	confidence = clamp01(confidence)

	key := tripleKey(subject, predicate, object)

	g.mu.RLock()
	existingID, isDup := g.byTriple[key]
	g.mu.RUnlock()

	if isDup {
		if err := g.reinforce(ctx, existingID, confidence); err != nil {
			return 0, false, err
		}
		return existingID, false, nil
	}

	now := time.Now()
	rel := &Relationship{
		ID:         g.node.Generate().Int64(),
		Subject:    subject,
		Predicate:  predicate,
		Object:     object,
		Confidence: confidence,
		Source:     source,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// No database constraint backs triple uniqueness, so the triple index is
	// the only guard. Re-check it under the write lock and hold the lock
	// across the insert, closing the window against a concurrent Add of the
	// same triple.
	g.mu.Lock()
	if winnerID, raced := g.byTriple[key]; raced {
		g.mu.Unlock()
		if err := g.reinforce(ctx, winnerID, confidence); err != nil {
			return 0, false, err
		}
		return winnerID, false, nil
	}

	if err := g.backend.Insert(ctx, toRecord(rel)); err != nil {
		g.mu.Unlock()
		return 0, false, err
	}

	g.byID[rel.ID] = rel
	g.byTriple[key] = rel.ID
	g.link(rel)
	g.mu.Unlock()

	return rel.ID, true, nil
}

// reinforce raises an edge's confidence to at least the given value and
// resets its decay clock.
func (g *Graph) reinforce(ctx context.Context, id int64, confidence float64) error {
	g.mu.RLock()
	rel, ok := g.byID[id]
	g.mu.RUnlock()
	if !ok {
		return nil
	}

	updated := *rel
	if confidence > updated.Confidence {
		updated.Confidence = confidence
	}
	updated.UpdatedAt = time.Now()

	if err := g.backend.Update(ctx, toRecord(&updated)); err != nil {
		return err
	}

	g.mu.Lock()
	g.byID[id] = &updated
	g.mu.Unlock()

	return nil
}

// Query returns all relationships touching the entity, from cache.
// Matching is case-insensitive.
func (g *Graph) Query(entity string) []*Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := g.adjacency[strings.ToLower(entity)]
	out := make([]*Relationship, 0, len(ids))
	for _, id := range ids {
		if rel, ok := g.byID[id]; ok {
			out = append(out, rel)
		}
	}
	return out
}

// Subgraph performs a breadth-first traversal from the entity up to depth
// hops, deduplicated by relationship id.
func (g *Graph) Subgraph(entity string, depth int) []*Relationship {
	if depth <= 0 {
		depth = 1
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[int64]struct{})
	visited := make(map[string]struct{})
	frontier := []string{strings.ToLower(entity)}

	var out []*Relationship
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, node := range frontier {
			if _, done := visited[node]; done {
				continue
			}
			visited[node] = struct{}{}

			for _, id := range g.adjacency[node] {
				if _, dup := seen[id]; dup {
					continue
				}
				rel, ok := g.byID[id]
				if !ok {
					continue
				}
				seen[id] = struct{}{}
				out = append(out, rel)

				for _, neighbor := range []string{strings.ToLower(rel.Subject), strings.ToLower(rel.Object)} {
					if _, done := visited[neighbor]; !done {
						next = append(next, neighbor)
					}
				}
			}
		}
		frontier = next
	}

	return out
}

// Len returns the number of relationships in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byID)
}

// Delete removes a relationship from storage and cache.
func (g *Graph) Delete(ctx context.Context, id int64) error {
	g.mu.RLock()
	rel, ok := g.byID[id]
	g.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := g.backend.Delete(ctx, id); err != nil {
		return err
	}

	g.mu.Lock()
	delete(g.byID, id)
	key := tripleKey(rel.Subject, rel.Predicate, rel.Object)
	if g.byTriple[key] == id {
		delete(g.byTriple, key)
	}
	g.unlink(rel)
	g.mu.Unlock()

	return nil
}

// DeduplicateRelationships collapses duplicate triples, keeping the
// highest-confidence survivor, then rebuilds the adjacency cache. Returns the
// number of removed edges.
func (g *Graph) DeduplicateRelationships(ctx context.Context) (int, error) {
	g.mu.RLock()
	groups := make(map[string][]*Relationship)
	for _, rel := range g.byID {
		key := tripleKey(rel.Subject, rel.Predicate, rel.Object)
		groups[key] = append(groups[key], rel)
	}
	g.mu.RUnlock()

	removed := 0
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			return group[i].Confidence > group[j].Confidence
		})
		for _, loser := range group[1:] {
			if err := g.backend.Delete(ctx, loser.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}

	if removed == 0 {
		return 0, nil
	}

	// Full cache rebuild keeps the mirror exact after bulk deletion.
	if err := g.reload(ctx); err != nil {
		return removed, err
	}

	return removed, nil
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

func fromRecord(rec *storage.RelationRecord) *Relationship {
	return &Relationship{
		ID:         rec.ID,
		Subject:    rec.Subject,
		Predicate:  rec.Predicate,
		Object:     rec.Object,
		Confidence: clamp01(rec.Confidence),
		Source:     rec.Source,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}

func toRecord(r *Relationship) *storage.RelationRecord {
	return &storage.RelationRecord{
		ID:         r.ID,
		Subject:    r.Subject,
		Predicate:  r.Predicate,
		Object:     r.Object,
		Confidence: r.Confidence,
		Source:     r.Source,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}
