package memstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/memcore-go/pkg/embedder"
	"github.com/agentmesh/memcore-go/pkg/memstore"
	"github.com/agentmesh/memcore-go/pkg/storage"
	sqliteStore "github.com/agentmesh/memcore-go/pkg/storage/sqlite"
)

// stubEmbedder returns canned vectors keyed by exact text; unknown text gets
// the default vector. fail flips the provider into a hard-down state.
type stubEmbedder struct {
	vectors map[string][]float64
	fail    bool
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if s.fail {
		return nil, errors.New("provider down")
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float64{0.1, 0.1, 0.1}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		v, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return 3 }
func (s *stubEmbedder) Close() error    { return nil }

// rendezvousEmbedder blocks every Embed call until the configured number of
// callers has arrived, stretching the gap between the duplicate check and
// the insert.
type rendezvousEmbedder struct {
	arrivals *sync.WaitGroup
}

func (r *rendezvousEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	r.arrivals.Done()
	r.arrivals.Wait()
	return []float64{0.1, 0.1, 0.1}, nil
}

func (r *rendezvousEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{0.1, 0.1, 0.1}
	}
	return out, nil
}

func (r *rendezvousEmbedder) Dimensions() int { return 3 }
func (r *rendezvousEmbedder) Close() error    { return nil }

func setupStoreTest(t *testing.T, emb embedder.Provider) (*memstore.Store, storage.Store) {
	t.Helper()

	backend, err := sqliteStore.NewClient(&sqliteStore.Config{
		DBPath: filepath.Join(t.TempDir(), "memstore_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store, err := memstore.NewStore(context.Background(), emb, backend.Memories(), node, nil)
	require.NoError(t, err)

	return store, backend
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "michael lives in brooklyn",
		memstore.NormalizeText("  Michael   lives, in BROOKLYN!  "))
	assert.Equal(t, "", memstore.NormalizeText("!!! ... ---"))
}

func TestHashText_CollapsesVariants(t *testing.T) {
	h1 := memstore.HashText("Michael lives in Brooklyn.")
	h2 := memstore.HashText("michael  lives in   brooklyn")
	h3 := memstore.HashText("Michael lives in Boston.")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}

func TestCosineSimilarity(t *testing.T) {
	v := []float64{0.3, 0.5, 0.2}

	assert.InDelta(t, 1.0, memstore.CosineSimilarity(v, v), 1e-9)
	assert.InDelta(t, -1.0, memstore.CosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, memstore.CosineSimilarity([]float64{1, 0}, []float64{1, 0, 0}))
	assert.Equal(t, 0.0, memstore.CosineSimilarity([]float64{0, 0}, []float64{1, 1}))

	got := memstore.CosineSimilarity([]float64{1, 2, 3}, []float64{4, 5, 6})
	assert.GreaterOrEqual(t, got, -1.0)
	assert.LessOrEqual(t, got, 1.0)
}

func TestStore_AddAndGet(t *testing.T) {
	store, _ := setupStoreTest(t, &stubEmbedder{})
	ctx := context.Background()

	id, created, err := store.Add(ctx, "Michael lives in Brooklyn", memstore.CategoryFact, "chat", 0.8, time.Time{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, id)

	entry, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Michael lives in Brooklyn", entry.Text)
	assert.Equal(t, memstore.CategoryFact, entry.Category)
	assert.Equal(t, 0.8, entry.Importance)
	assert.Equal(t, 1, store.Count())
}

func TestStore_AddEmptyTextIsNoop(t *testing.T) {
	store, _ := setupStoreTest(t, &stubEmbedder{})

	id, created, err := store.Add(context.Background(), "   ", memstore.CategoryFact, "chat", 0.5, time.Time{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Zero(t, id)
	assert.Equal(t, 0, store.Count())
}

func TestStore_DuplicateReinforces(t *testing.T) {
	store, _ := setupStoreTest(t, &stubEmbedder{})
	ctx := context.Background()

	first := time.Now().Add(-time.Hour)
	id1, created, err := store.Add(ctx, "Michael lives in Brooklyn", memstore.CategoryFact, "chat", 0.5, first)
	require.NoError(t, err)
	assert.True(t, created)

	// Same text modulo case and punctuation: reinforced, not duplicated.
	id2, created, err := store.Add(ctx, "michael lives in BROOKLYN!", memstore.CategoryFact, "chat", 0.7, time.Time{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, store.Count())

	entry, ok := store.Get(id1)
	require.True(t, ok)
	assert.Equal(t, 0.7, entry.Importance)
	assert.True(t, entry.UpdatedAt.After(first))

	// A lower importance re-add keeps the max but still resets the clock.
	_, _, err = store.Add(ctx, "Michael lives in Brooklyn", memstore.CategoryFact, "chat", 0.2, time.Time{})
	require.NoError(t, err)
	entry, _ = store.Get(id1)
	assert.Equal(t, 0.7, entry.Importance)
}

func TestStore_ConcurrentDuplicateAddsSingleEntry(t *testing.T) {
	// Both writers pass the initial duplicate check before either inserts:
	// the embedder holds them at a barrier until both have arrived. Exactly
	// one may create the entry; the other must reinforce it, not fail on the
	// hash uniqueness constraint.
	var arrivals sync.WaitGroup
	arrivals.Add(2)
	store, _ := setupStoreTest(t, &rendezvousEmbedder{arrivals: &arrivals})
	ctx := context.Background()

	type outcome struct {
		id      int64
		created bool
		err     error
	}
	results := make(chan outcome, 2)

	for _, importance := range []float64{0.5, 0.7} {
		go func(importance float64) {
			id, created, err := store.Add(ctx, "Michael lives in Brooklyn", memstore.CategoryFact, "chat", importance, time.Time{})
			results <- outcome{id: id, created: created, err: err}
		}(importance)
	}

	var outcomes []outcome
	for i := 0; i < 2; i++ {
		got := <-results
		require.NoError(t, got.err)
		outcomes = append(outcomes, got)
	}

	assert.Equal(t, outcomes[0].id, outcomes[1].id)
	created := 0
	for _, got := range outcomes {
		if got.created {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, store.Count())

	// The survivor carries the max importance of the two writers.
	entry, ok := store.Get(outcomes[0].id)
	require.True(t, ok)
	assert.Equal(t, 0.7, entry.Importance)
}

func TestStore_ImportanceClamped(t *testing.T) {
	store, _ := setupStoreTest(t, &stubEmbedder{})
	ctx := context.Background()

	id, _, err := store.Add(ctx, "clamped high", memstore.CategoryFact, "chat", 1.5, time.Time{})
	require.NoError(t, err)
	entry, _ := store.Get(id)
	assert.Equal(t, 1.0, entry.Importance)

	id, _, err = store.Add(ctx, "clamped low", memstore.CategoryFact, "chat", -0.5, time.Time{})
	require.NoError(t, err)
	entry, _ = store.Get(id)
	assert.Equal(t, 0.0, entry.Importance)
}

func TestStore_EmbedderDownDegradesAdd(t *testing.T) {
	emb := &stubEmbedder{fail: true}
	store, _ := setupStoreTest(t, emb)

	id, created, err := store.Add(context.Background(), "lost to the void", memstore.CategoryFact, "chat", 0.5, time.Time{})
	assert.NoError(t, err)
	assert.False(t, created)
	assert.Zero(t, id)
	assert.Equal(t, 0, store.Count())
}

func TestStore_SearchRanksBySimilarity(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float64{
		"Michael lives in Brooklyn":     {1, 0, 0},
		"Michael likes oat milk lattes": {0.6, 0.4, 0},
		"Project X launched in Feb":     {0, 0, 1},
		"where does Michael live":       {1, 0, 0},
	}}
	store, _ := setupStoreTest(t, emb)
	ctx := context.Background()

	entries := []struct {
		text       string
		importance float64
	}{
		{"Michael lives in Brooklyn", 0.8},
		{"Michael likes oat milk lattes", 0.7},
		{"Project X launched in Feb", 0.6},
	}
	for _, e := range entries {
		_, _, err := store.Add(ctx, e.text, memstore.CategoryFact, "chat", e.importance, time.Time{})
		require.NoError(t, err)
	}

	results, err := store.Search(ctx, "where does Michael live", 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, "Michael lives in Brooklyn", results[0].Text)
	// 0.7 * cosine(1.0) + 0.3 * importance(0.8)
	assert.InDelta(t, 0.94, results[0].Score, 1e-9)

	all, err := store.Search(ctx, "where does Michael live", 3, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i-1].Score, all[i].Score)
	}
}

func TestStore_SearchFiltersByCategoryAndScore(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float64{
		"prefers tabs over spaces": {1, 0, 0},
		"query":                    {1, 0, 0},
	}}
	store, _ := setupStoreTest(t, emb)
	ctx := context.Background()

	_, _, err := store.Add(ctx, "prefers tabs over spaces", memstore.CategoryPreference, "chat", 0.5, time.Time{})
	require.NoError(t, err)

	results, err := store.Search(ctx, "query", 10, 0, memstore.CategoryFact)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = store.Search(ctx, "query", 10, 0, memstore.CategoryPreference)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	// minScore above the achievable score filters everything out.
	results, err = store.Search(ctx, "query", 10, 0.99)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_EmbedderDownDegradesSearch(t *testing.T) {
	emb := &stubEmbedder{}
	store, _ := setupStoreTest(t, emb)
	ctx := context.Background()

	_, _, err := store.Add(ctx, "something stored earlier", memstore.CategoryFact, "chat", 0.5, time.Time{})
	require.NoError(t, err)

	emb.fail = true
	results, err := store.Search(ctx, "anything", 10, 0)
	assert.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_HybridSearchFallsBackOnSparseMatches(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float64{
		"deploy via terraform": {1, 0, 0},
		"terraform":            {1, 0, 0},
	}}
	store, _ := setupStoreTest(t, emb)
	ctx := context.Background()

	// Only one entry contains the token: below the fallback threshold of 3,
	// so HybridSearch must fall back to the full semantic scan and still
	// return the match.
	_, _, err := store.Add(ctx, "deploy via terraform", memstore.CategoryTechnical, "chat", 0.5, time.Time{})
	require.NoError(t, err)
	_, _, err = store.Add(ctx, "unrelated entry one", memstore.CategoryFact, "chat", 0.5, time.Time{})
	require.NoError(t, err)

	results, err := store.HybridSearch(ctx, "terraform", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "deploy via terraform", results[0].Text)
}

func TestStore_HybridSearchKeywordPath(t *testing.T) {
	store, _ := setupStoreTest(t, &stubEmbedder{})
	ctx := context.Background()

	for _, text := range []string{
		"terraform state locking",
		"terraform module registry",
		"terraform plan output",
		"kubernetes ingress",
	} {
		_, _, err := store.Add(ctx, text, memstore.CategoryTechnical, "chat", 0.5, time.Time{})
		require.NoError(t, err)
	}

	// Three keyword matches: the prefilter is trusted and the kubernetes
	// entry never enters the candidate set.
	results, err := store.HybridSearch(ctx, "terraform", 10)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	for _, r := range results {
		assert.Contains(t, r.Text, "terraform")
	}
}

func TestStore_HybridSearchEmbedderDownRanksByImportance(t *testing.T) {
	emb := &stubEmbedder{}
	store, _ := setupStoreTest(t, emb)
	ctx := context.Background()

	_, _, err := store.Add(ctx, "terraform low", memstore.CategoryTechnical, "chat", 0.2, time.Time{})
	require.NoError(t, err)
	_, _, err = store.Add(ctx, "terraform high", memstore.CategoryTechnical, "chat", 0.9, time.Time{})
	require.NoError(t, err)
	_, _, err = store.Add(ctx, "terraform mid", memstore.CategoryTechnical, "chat", 0.5, time.Time{})
	require.NoError(t, err)

	emb.fail = true
	results, err := store.HybridSearch(ctx, "terraform", 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "terraform high", results[0].Text)
	assert.Equal(t, "terraform mid", results[1].Text)
	assert.Equal(t, "terraform low", results[2].Text)
}

func TestStore_ArchiveExcludesFromSearch(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float64{
		"archived fact": {1, 0, 0},
		"query":         {1, 0, 0},
	}}
	store, _ := setupStoreTest(t, emb)
	ctx := context.Background()

	id, _, err := store.Add(ctx, "archived fact", memstore.CategoryFact, "chat", 0.5, time.Time{})
	require.NoError(t, err)

	require.NoError(t, store.Archive(ctx, id))

	results, err := store.Search(ctx, "query", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, results)

	// Archived entries are kept, not deleted.
	entry, ok := store.Get(id)
	require.True(t, ok)
	assert.True(t, entry.Archived)

	// Re-adding the same text unarchives.
	_, created, err := store.Add(ctx, "archived fact", memstore.CategoryFact, "chat", 0.5, time.Time{})
	require.NoError(t, err)
	assert.False(t, created)
	entry, _ = store.Get(id)
	assert.False(t, entry.Archived)
}

func TestStore_DeleteAndPurge(t *testing.T) {
	store, _ := setupStoreTest(t, &stubEmbedder{})
	ctx := context.Background()

	id, _, err := store.Add(ctx, "to be deleted", memstore.CategoryFact, "chat", 0.5, time.Time{})
	require.NoError(t, err)
	_, _, err = store.Add(ctx, "low importance noise", memstore.CategoryFact, "chat", 0.1, time.Time{})
	require.NoError(t, err)
	_, _, err = store.Add(ctx, "high importance keeper", memstore.CategoryFact, "chat", 0.9, time.Time{})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, id))
	_, ok := store.Get(id)
	assert.False(t, ok)

	// Deleting a missing id is a no-op.
	assert.NoError(t, store.Delete(ctx, 999999))

	purged, err := store.PurgeBelow(ctx, 0.3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	assert.Equal(t, 1, store.Count())
}

func TestStore_ReinforceResetsDecayClock(t *testing.T) {
	store, _ := setupStoreTest(t, &stubEmbedder{})
	ctx := context.Background()

	old := time.Now().Add(-100 * 24 * time.Hour)
	id, _, err := store.Add(ctx, "an old memory", memstore.CategoryFact, "chat", 0.8, old)
	require.NoError(t, err)

	entry, _ := store.Get(id)
	assert.Less(t, entry.EffectiveImportance(time.Now()), 0.8)

	require.NoError(t, store.Reinforce(ctx, id, 0))
	entry, _ = store.Get(id)
	assert.Equal(t, 0.8, entry.Importance)
	assert.InDelta(t, 0.8, entry.EffectiveImportance(time.Now()), 1e-9)
}

func TestStore_ReloadFromStorage(t *testing.T) {
	emb := &stubEmbedder{}
	dbPath := filepath.Join(t.TempDir(), "reload_test.db")

	backend, err := sqliteStore.NewClient(&sqliteStore.Config{DBPath: dbPath})
	require.NoError(t, err)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	ctx := context.Background()
	store, err := memstore.NewStore(ctx, emb, backend.Memories(), node, nil)
	require.NoError(t, err)

	id, _, err := store.Add(ctx, "survives restarts", memstore.CategoryFact, "chat", 0.6, time.Time{})
	require.NoError(t, err)
	require.NoError(t, backend.Close())

	// Reopen: the cache must rebuild from the durable store.
	backend, err = sqliteStore.NewClient(&sqliteStore.Config{DBPath: dbPath})
	require.NoError(t, err)
	defer backend.Close()

	store, err = memstore.NewStore(ctx, emb, backend.Memories(), node, nil)
	require.NoError(t, err)

	entry, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, "survives restarts", entry.Text)
	assert.Equal(t, 0.6, entry.Importance)

	// The dedup key survives too.
	_, created, err := store.Add(ctx, "survives restarts", memstore.CategoryFact, "chat", 0.5, time.Time{})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestStore_FlushHits(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float64{
		"a searchable fact": {1, 0, 0},
		"query":             {1, 0, 0},
	}}
	store, _ := setupStoreTest(t, emb)
	ctx := context.Background()

	id, _, err := store.Add(ctx, "a searchable fact", memstore.CategoryFact, "chat", 0.5, time.Time{})
	require.NoError(t, err)

	_, err = store.Search(ctx, "query", 10, 0)
	require.NoError(t, err)
	_, err = store.Search(ctx, "query", 10, 0)
	require.NoError(t, err)

	hits := store.FlushHits()
	assert.Equal(t, 2, hits[id])

	// Counters are cleared by the flush.
	assert.Empty(t, store.FlushHits())
}

func TestStore_Recent(t *testing.T) {
	store, _ := setupStoreTest(t, &stubEmbedder{})
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, text := range []string{"oldest entry", "middle entry", "newest entry"} {
		_, _, err := store.Add(ctx, text, memstore.CategoryFact, "chat", 0.5, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	recent := store.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "newest entry", recent[0].Text)
	assert.Equal(t, "middle entry", recent[1].Text)
}
