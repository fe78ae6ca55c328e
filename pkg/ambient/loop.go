// Package ambient runs the background maintenance cycles that keep the
// memory subsystem deduplicated, decayed, and healthy without blocking
// foreground requests.
//
// Three independently scheduled cycles run at fast (1m), medium (15m), and
// slow (6h) frequencies. A cycle that is still running when its next tick
// fires is skipped, not queued. The cycles coordinate only through the
// shared component handles; every mutation they perform is atomic at the
// component level, so shutdown mid-cycle never corrupts persisted state.
package ambient

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/robfig/cron/v3"

	"github.com/agentmesh/memcore-go/pkg/bm25"
	"github.com/agentmesh/memcore-go/pkg/decay"
	"github.com/agentmesh/memcore-go/pkg/graph"
	"github.com/agentmesh/memcore-go/pkg/memstore"
	"github.com/agentmesh/memcore-go/pkg/stream"
)

// Default cycle intervals.
const (
	DefaultFastInterval   = time.Minute
	DefaultMediumInterval = 15 * time.Minute
	DefaultSlowInterval   = 6 * time.Hour
)

// Maintenance tuning defaults.
const (
	// DefaultCapacityThreshold is the entry count above which the slow
	// cycle purges low-importance memories.
	DefaultCapacityThreshold = 10000

	// DefaultPurgeImportance is the importance floor used by the capacity
	// purge.
	DefaultPurgeImportance = 0.3

	// cooccurrenceWindow is how many recent entries the medium cycle scans
	// for co-occurring entities.
	cooccurrenceWindow = 50

	// cooccurrenceConfidence is the confidence assigned to extracted
	// mentioned_with edges.
	cooccurrenceConfidence = 0.3

	// promoteBump is the importance gain applied to recently reinforced
	// entries during pattern promotion.
	promoteBump = 0.02

	// promoteCeiling bounds promotion so repeated cycles cannot drive every
	// recently touched entry to full importance.
	promoteCeiling = 0.9
)

// Options tunes the maintenance loop.
type Options struct {
	// FastInterval, MediumInterval, SlowInterval override the default cycle
	// frequencies when > 0.
	FastInterval   time.Duration
	MediumInterval time.Duration
	SlowInterval   time.Duration

	// CapacityThreshold overrides DefaultCapacityThreshold when > 0.
	CapacityThreshold int

	// PurgeImportance overrides DefaultPurgeImportance when > 0.
	PurgeImportance float64
}

// Loop is the ambient maintenance service.
type Loop struct {
	memories  *memstore.Store
	keywords  *bm25.Index
	relations *graph.Graph
	events    *stream.Stream

	fastInterval   time.Duration
	mediumInterval time.Duration
	slowInterval   time.Duration

	capacityThreshold int
	purgeImportance   float64

	cron *cron.Cron
}

// NewLoop creates a maintenance loop over the given component handles.
func NewLoop(memories *memstore.Store, keywords *bm25.Index, relations *graph.Graph, events *stream.Stream, opts *Options) *Loop {
	l := &Loop{
		memories:          memories,
		keywords:          keywords,
		relations:         relations,
		events:            events,
		fastInterval:      DefaultFastInterval,
		mediumInterval:    DefaultMediumInterval,
		slowInterval:      DefaultSlowInterval,
		capacityThreshold: DefaultCapacityThreshold,
		purgeImportance:   DefaultPurgeImportance,
	}

	if opts != nil {
		if opts.FastInterval > 0 {
			l.fastInterval = opts.FastInterval
		}
		if opts.MediumInterval > 0 {
			l.mediumInterval = opts.MediumInterval
		}
		if opts.SlowInterval > 0 {
			l.slowInterval = opts.SlowInterval
		}
		if opts.CapacityThreshold > 0 {
			l.capacityThreshold = opts.CapacityThreshold
		}
		if opts.PurgeImportance > 0 {
			l.purgeImportance = opts.PurgeImportance
		}
	}

	return l
}

// Start schedules the three cycles. A cycle whose previous run has not
// finished by the next tick is skipped.
func (l *Loop) Start() error {
	if l.cron != nil {
		return nil
	}

	skipper := cron.SkipIfStillRunning(cron.PrintfLogger(log.Default()))
	c := cron.New(cron.WithChain(skipper))

	schedule := []struct {
		interval time.Duration
		run      func()
	}{
		{l.fastInterval, l.RunFastCycle},
		{l.mediumInterval, l.RunMediumCycle},
		{l.slowInterval, l.RunSlowCycle},
	}

	for _, entry := range schedule {
		if _, err := c.AddFunc("@every "+entry.interval.String(), entry.run); err != nil {
			return err
		}
	}

	c.Start()
	l.cron = c
	log.Printf("memcore/ambient: maintenance started (fast=%s medium=%s slow=%s)",
		l.fastInterval, l.mediumInterval, l.slowInterval)

	return nil
}

// Stop halts scheduling and waits for any in-flight cycle to finish its
// current mutation. Shutdown is cooperative: cycles are never interrupted
// mid-mutation.
func (l *Loop) Stop() {
	if l.cron == nil {
		return
	}
	<-l.cron.Stop().Done()
	l.cron = nil
	log.Printf("memcore/ambient: maintenance stopped")
}

// RunFastCycle does cheap housekeeping: it flushes the pending search hit
// counters into decay-clock touches and emits a heartbeat.
func (l *Loop) RunFastCycle() {
	ctx := context.Background()

	hits := l.memories.FlushHits()
	for id := range hits {
		if err := l.memories.Reinforce(ctx, id, 0); err != nil {
			log.Printf("memcore/ambient: fast: touch %d failed: %v", id, err)
		}
	}

	log.Printf("memcore/ambient: heartbeat entries=%d relations=%d touched=%d",
		l.memories.Count(), l.relations.Len(), len(hits))
}

// RunMediumCycle extracts co-occurrence relationships from recent memory
// entries, aggregates recent stream activity, and promotes entries that were
// reinforced within the window.
func (l *Loop) RunMediumCycle() {
	ctx := context.Background()

	extracted := l.extractCooccurrences(ctx)

	stats, err := l.events.Stats(ctx, l.mediumInterval, 0)
	if err != nil {
		log.Printf("memcore/ambient: medium: stream stats failed: %v", err)
	} else if len(stats) > 0 {
		log.Printf("memcore/ambient: stream activity %s", formatStats(stats))
	}

	promoted := l.promoteRecent(ctx)

	log.Printf("memcore/ambient: medium cycle done (edges=%d promoted=%d)", extracted, promoted)
}

// RunSlowCycle does the full repair: memory dedup, decay archival, capacity
// purge, stream retention, graph dedup, keyword index rebuild, and a
// reflective summary snapshot.
func (l *Loop) RunSlowCycle() {
	ctx := context.Background()
	now := time.Now()

	deduped, err := l.memories.Dedup(ctx)
	if err != nil {
		log.Printf("memcore/ambient: slow: memory dedup failed: %v", err)
	}

	archived := 0
	for _, entry := range l.memories.All() {
		if entry.Archived {
			continue
		}
		if decay.ShouldArchive(entry.Importance, entry.UpdatedAt, now) {
			if err := l.memories.Archive(ctx, entry.ID); err != nil {
				log.Printf("memcore/ambient: slow: archive %d failed: %v", entry.ID, err)
				continue
			}
			archived++
		}
	}

	var purged int64
	if l.memories.Count() > l.capacityThreshold {
		purged, err = l.memories.PurgeBelow(ctx, l.purgeImportance)
		if err != nil {
			log.Printf("memcore/ambient: slow: capacity purge failed: %v", err)
		}
	}

	expired, err := l.events.PurgeOldEvents(ctx)
	if err != nil {
		log.Printf("memcore/ambient: slow: event purge failed: %v", err)
	}

	dupEdges, err := l.relations.DeduplicateRelationships(ctx)
	if err != nil {
		log.Printf("memcore/ambient: slow: graph dedup failed: %v", err)
	}

	l.rebuildKeywordIndex()

	summary := fmt.Sprintf(
		"maintenance summary: entries=%d archived=%d deduped=%d purged=%d relations=%d dupEdges=%d expiredEvents=%d",
		l.memories.Count(), archived, deduped, purged, l.relations.Len(), dupEdges, expired)
	log.Printf("memcore/ambient: %s", summary)

	if _, err := l.events.Append(ctx, stream.KindSystem, "maintenance", "ambient", summary, nil); err != nil {
		log.Printf("memcore/ambient: slow: summary event failed: %v", err)
	}
}

// extractCooccurrences writes low-confidence mentioned_with edges for
// entities that appear together in recent memory entries.
func (l *Loop) extractCooccurrences(ctx context.Context) int {
	written := 0
	for _, entry := range l.memories.Recent(cooccurrenceWindow) {
		entities := entityTerms(entry.Text)
		for i := 0; i < len(entities); i++ {
			for j := i + 1; j < len(entities); j++ {
				_, created, err := l.relations.Add(ctx,
					entities[i], graph.PredicateMentionedWith, entities[j],
					cooccurrenceConfidence, "cooccurrence")
				if err != nil {
					log.Printf("memcore/ambient: medium: edge write failed: %v", err)
					continue
				}
				if created {
					written++
				}
			}
		}
	}
	return written
}

// promoteRecent bumps the importance of entries reinforced within the
// medium window, so frequently retrieved memories gain standing.
func (l *Loop) promoteRecent(ctx context.Context) int {
	cutoff := time.Now().Add(-l.mediumInterval)
	promoted := 0

	for _, entry := range l.memories.Recent(cooccurrenceWindow) {
		if entry.UpdatedAt.Before(cutoff) {
			break
		}
		if entry.Archived || entry.Importance >= promoteCeiling {
			continue
		}
		target := entry.Importance + promoteBump
		if target > promoteCeiling {
			target = promoteCeiling
		}
		if err := l.memories.Reinforce(ctx, entry.ID, target); err != nil {
			log.Printf("memcore/ambient: medium: promote %d failed: %v", entry.ID, err)
			continue
		}
		promoted++
	}
	return promoted
}

// rebuildKeywordIndex rebuilds the BM25 index from the non-archived corpus
// after the slow cycle's bulk mutations.
func (l *Loop) rebuildKeywordIndex() {
	corpus := make(map[int64]string)
	for _, entry := range l.memories.All() {
		if !entry.Archived {
			corpus[entry.ID] = entry.Text
		}
	}
	l.keywords.Build(corpus)
}

// formatStats renders a kind->count map deterministically for logging.
func formatStats(stats map[stream.Kind]int) string {
	kinds := make([]string, 0, len(stats))
	for k := range stats {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%s=%d", k, stats[stream.Kind(k)])
	}
	return strings.Join(parts, " ")
}

// entityTerms extracts likely entity names from text: capitalized words
// longer than 2 runes, deduplicated case-insensitively.
func entityTerms(text string) []string {
	var out []string
	seen := make(map[string]struct{})

	for _, field := range strings.Fields(text) {
		field = strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		runes := []rune(field)
		if len(runes) < 3 || !unicode.IsUpper(runes[0]) {
			continue
		}
		key := strings.ToLower(field)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, field)
	}
	return out
}
