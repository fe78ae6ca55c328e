package core

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/agentmesh/memcore-go/pkg/ambient"
	"github.com/agentmesh/memcore-go/pkg/bm25"
	"github.com/agentmesh/memcore-go/pkg/embedder"
	openaiembed "github.com/agentmesh/memcore-go/pkg/embedder/openai"
	"github.com/agentmesh/memcore-go/pkg/graph"
	"github.com/agentmesh/memcore-go/pkg/memstore"
	"github.com/agentmesh/memcore-go/pkg/retrieval"
	"github.com/agentmesh/memcore-go/pkg/storage"
	"github.com/agentmesh/memcore-go/pkg/storage/postgres"
	"github.com/agentmesh/memcore-go/pkg/storage/sqlite"
	"github.com/agentmesh/memcore-go/pkg/stream"
	"github.com/agentmesh/memcore-go/pkg/weaver"
)

// Client is the memory subsystem facade.
//
// It wires together the durable store, the embedding provider, and the
// component services (vector memory, keyword index, knowledge graph, event
// stream, context weaver, maintenance loop) behind one handle.
//
// A Client is safe for concurrent use. Internal degradation (an unavailable
// embedding provider, a failed maintenance pass) is logged, never surfaced
// as an operation failure; only losing the durable store itself is fatal.
//
// Example:
//
//	config, _ := core.LoadConfigFromEnv()
//	client, err := core.NewClient(context.Background(), config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.Remember(ctx, "Michael lives in Brooklyn", memstore.CategoryFact, "chat", 0.8)
//	results, _ := client.Recall(ctx, "where does Michael live", 5)
type Client struct {
	config *Config

	store    storage.Store
	embedder embedder.Provider
	node     *snowflake.Node

	memories  *memstore.Store
	keywords  *bm25.Index
	fuser     *retrieval.Fuser
	relations *graph.Graph
	events    *stream.Stream
	weaver    *weaver.Weaver
	loop      *ambient.Loop
}

// RecallResult is one fused retrieval result returned by Recall.
type RecallResult struct {
	// Entry is the matched memory entry.
	Entry *memstore.Entry `json:"entry"`

	// Score is the fused reciprocal-rank score.
	Score float64 `json:"score"`
}

// NewClient creates a memory subsystem client from the given configuration.
//
// The function:
//  1. Validates the configuration
//  2. Opens the durable storage backend (SQLite or PostgreSQL)
//  3. Creates the embedding provider
//  4. Rehydrates the component caches and rebuilds the keyword index
//
// Only a storage failure aborts construction; everything downstream degrades
// at runtime instead.
//
// Returns the client, or an error if construction fails.
func NewClient(ctx context.Context, config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store, err := newStorageBackend(&config.Storage)
	if err != nil {
		return nil, NewCoreError("NewClient", fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}

	provider, err := newEmbedder(&config.Embedder)
	if err != nil {
		store.Close()
		return nil, NewCoreError("NewClient", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		store.Close()
		return nil, NewCoreError("NewClient", err)
	}

	var memOpts *memstore.Options
	if config.Memory != nil {
		memOpts = &memstore.Options{
			KeywordFallbackThreshold: config.Memory.KeywordFallbackThreshold,
		}
	}
	memories, err := memstore.NewStore(ctx, provider, store.Memories(), node, memOpts)
	if err != nil {
		store.Close()
		return nil, NewCoreError("NewClient", err)
	}

	relations, err := graph.NewGraph(ctx, store.Relations(), node)
	if err != nil {
		store.Close()
		return nil, NewCoreError("NewClient", err)
	}

	var streamOpts *stream.Options
	if config.Stream != nil {
		streamOpts = &stream.Options{
			RingSize:  config.Stream.RingSize,
			Retention: time.Duration(config.Stream.RetentionDays) * 24 * time.Hour,
		}
	}
	events, err := stream.NewStream(ctx, store.Events(), node, streamOpts)
	if err != nil {
		store.Close()
		return nil, NewCoreError("NewClient", err)
	}

	keywords := bm25.NewIndex()
	corpus := make(map[int64]string)
	for _, entry := range memories.All() {
		if !entry.Archived {
			corpus[entry.ID] = entry.Text
		}
	}
	keywords.Build(corpus)

	fuser := retrieval.NewFuser(0)

	constraints := ""
	if config.Weaver != nil {
		constraints = config.Weaver.Constraints
	}
	weave := weaver.NewWeaver(memories, keywords, fuser, relations, events, constraints)

	var loopOpts *ambient.Options
	if config.Maintenance != nil {
		loopOpts = &ambient.Options{
			FastInterval:      maintenanceInterval(config.Maintenance.FastIntervalSeconds),
			MediumInterval:    maintenanceInterval(config.Maintenance.MediumIntervalSeconds),
			SlowInterval:      maintenanceInterval(config.Maintenance.SlowIntervalSeconds),
			CapacityThreshold: config.Maintenance.CapacityThreshold,
			PurgeImportance:   config.Maintenance.PurgeImportance,
		}
	}
	loop := ambient.NewLoop(memories, keywords, relations, events, loopOpts)

	log.Printf("memcore: client ready (provider=%s entries=%d relations=%d)",
		config.Storage.Provider, memories.Count(), relations.Len())

	return &Client{
		config:    config,
		store:     store,
		embedder:  provider,
		node:      node,
		memories:  memories,
		keywords:  keywords,
		fuser:     fuser,
		relations: relations,
		events:    events,
		weaver:    weave,
		loop:      loop,
	}, nil
}

// Remember stores a memory entry and records it on the event stream.
//
// Duplicate text (after normalization) reinforces the existing entry instead
// of creating a new one. If the embedding provider is unavailable, the write
// is skipped and logged; no error is returned.
//
// Parameters:
//   - ctx: Context for cancellation
//   - text: Memory content
//   - category: Entry category
//   - source: Where the memory came from (agent id, "chat", ...)
//   - importance: Initial importance in [0,1]
//
// Returns the entry id (0 if the write was skipped) and whether a new entry
// was created.
func (c *Client) Remember(ctx context.Context, text string, category memstore.Category, source string, importance float64) (int64, bool, error) {
	id, created, err := c.memories.Add(ctx, text, category, source, importance, time.Time{})
	if err != nil {
		return 0, false, NewCoreError("Remember", err)
	}
	if id == 0 {
		return 0, false, nil
	}

	if entry, ok := c.memories.Get(id); ok && !entry.Archived {
		c.keywords.AddEntry(id, entry.Text)
	}

	action := "reinforced"
	if created {
		action = "created"
	}
	if _, err := c.events.Append(ctx, stream.KindMemory, source, source,
		fmt.Sprintf("memory %s: %s", action, text),
		&stream.AppendOptions{Metadata: map[string]interface{}{"memory_id": id}}); err != nil {
		log.Printf("memcore: memory event append failed: %v", err)
	}

	return id, created, nil
}

// Recall performs hybrid retrieval: the semantic and keyword ranked lists are
// fused by reciprocal rank and the top K entries are returned.
//
// If the embedding provider is unavailable, the semantic list is empty and
// the keyword list carries the result alone.
func (c *Client) Recall(ctx context.Context, query string, topK int) ([]*RecallResult, error) {
	if topK <= 0 {
		topK = 10
	}

	semantic, err := c.memories.Search(ctx, query, topK, 0)
	if err != nil {
		return nil, NewCoreError("Recall", err)
	}
	semanticIDs := make([]int64, len(semantic))
	for i, r := range semantic {
		semanticIDs[i] = r.ID
	}

	keyword := c.keywords.Search(query, topK)
	keywordIDs := make([]int64, len(keyword))
	for i, r := range keyword {
		keywordIDs[i] = r.ID
	}

	fused := c.fuser.Fuse(semanticIDs, keywordIDs)

	results := make([]*RecallResult, 0, topK)
	for _, candidate := range fused {
		entry, ok := c.memories.Get(candidate.ID)
		if !ok || entry.Archived {
			continue
		}
		results = append(results, &RecallResult{Entry: entry, Score: candidate.Score})
		if len(results) == topK {
			break
		}
	}

	return results, nil
}

// Memory retrieves a single stored entry by id.
//
// Returns an error wrapping ErrNotFound if no entry with the id exists.
func (c *Client) Memory(id int64) (*memstore.Entry, error) {
	entry, ok := c.memories.Get(id)
	if !ok {
		return nil, NewCoreError("Memory", fmt.Errorf("memory %d: %w", id, ErrNotFound))
	}
	return entry, nil
}

// Forget deletes a memory entry from storage, cache, and keyword index.
func (c *Client) Forget(ctx context.Context, id int64) error {
	if err := c.memories.Delete(ctx, id); err != nil {
		return NewCoreError("Forget", err)
	}
	c.keywords.RemoveEntry(id)
	return nil
}

// RecordEvent appends an event to the unified stream.
//
// Callers classify the event kind before appending; the stream itself never
// inspects content.
func (c *Client) RecordEvent(ctx context.Context, kind stream.Kind, channelKey, agentID, content string, opts *stream.AppendOptions) (*stream.Event, error) {
	event, err := c.events.Append(ctx, kind, channelKey, agentID, content, opts)
	if err != nil {
		return nil, NewCoreError("RecordEvent", err)
	}
	return event, nil
}

// Events returns a filtered, reverse-chronological page of stream events.
func (c *Client) Events(ctx context.Context, f *stream.Filter) ([]*stream.Event, error) {
	events, err := c.events.Query(ctx, f)
	if err != nil {
		return nil, NewCoreError("Events", err)
	}
	return events, nil
}

// Relate records a subject-predicate-object relationship.
//
// A duplicate triple (case-insensitive) reinforces the existing edge instead
// of creating a new one.
//
// Returns the relationship id and whether a new edge was created.
func (c *Client) Relate(ctx context.Context, subject, predicate, object string, confidence float64, source string) (int64, bool, error) {
	id, created, err := c.relations.Add(ctx, subject, predicate, object, confidence, source)
	if err != nil {
		return 0, false, NewCoreError("Relate", err)
	}
	return id, created, nil
}

// Relations returns every relationship touching the given entity,
// case-insensitively.
func (c *Client) Relations(entity string) []*graph.Relationship {
	return c.relations.Query(entity)
}

// Subgraph returns the relationships reachable from an entity within the
// given number of hops.
func (c *Client) Subgraph(entity string, depth int) []*graph.Relationship {
	return c.relations.Subgraph(entity, depth)
}

// ComposeContext assembles a token-budgeted context block for the next model
// call. Under extreme budget pressure the result degrades to identity-only
// rather than failing.
func (c *Client) ComposeContext(ctx context.Context, req *weaver.Request) (*weaver.Context, error) {
	woven, err := c.weaver.Compose(ctx, req)
	if err != nil {
		return nil, NewCoreError("ComposeContext", err)
	}
	return woven, nil
}

// StartMaintenance starts the ambient maintenance loop (fast, medium, and
// slow cycles). Calling it on a running client is a no-op.
func (c *Client) StartMaintenance() error {
	if err := c.loop.Start(); err != nil {
		return NewCoreError("StartMaintenance", err)
	}
	return nil
}

// StopMaintenance stops the maintenance loop, waiting for any in-flight cycle
// to finish its current mutation.
func (c *Client) StopMaintenance() {
	c.loop.Stop()
}

// Memories exposes the vector memory store for direct access.
func (c *Client) Memories() *memstore.Store { return c.memories }

// Graph exposes the knowledge graph for direct access.
func (c *Client) Graph() *graph.Graph { return c.relations }

// Stream exposes the event stream for direct access.
func (c *Client) Stream() *stream.Stream { return c.events }

// Close stops maintenance and releases the embedder and storage backend.
func (c *Client) Close() error {
	c.loop.Stop()

	if err := c.embedder.Close(); err != nil {
		log.Printf("memcore: embedder close failed: %v", err)
	}

	if err := c.store.Close(); err != nil {
		return NewCoreError("Close", err)
	}
	return nil
}

// newStorageBackend constructs the durable store named by the provider.
func newStorageBackend(cfg *StorageConfig) (storage.Store, error) {
	switch cfg.Provider {
	case "sqlite":
		return sqlite.NewClient(&sqlite.Config{
			DBPath: configString(cfg.Config, "db_path", "./memcore.db"),
		})
	case "postgres":
		return postgres.NewClient(&postgres.Config{
			Host:     configString(cfg.Config, "host", "localhost"),
			Port:     configInt(cfg.Config, "port", 5432),
			User:     configString(cfg.Config, "user", "postgres"),
			Password: configString(cfg.Config, "password", ""),
			DBName:   configString(cfg.Config, "db_name", "memcore"),
			SSLMode:  configString(cfg.Config, "ssl_mode", "disable"),
		})
	default:
		return nil, fmt.Errorf("%w: unknown storage provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// newEmbedder constructs the embedding provider named by the config.
func newEmbedder(cfg *EmbedderConfig) (embedder.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return openaiembed.NewClient(&openaiembed.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
			Timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// configString reads a string value from a provider config map.
func configString(m map[string]interface{}, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// configInt reads an integer value from a provider config map. JSON decoding
// produces float64, so both numeric forms are accepted.
func configInt(m map[string]interface{}, key string, fallback int) int {
	switch v := m[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return fallback
}
