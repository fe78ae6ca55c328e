// Package bm25 provides an in-memory inverted index with BM25 ranking.
//
// The index is derived entirely from the memory corpus: it is rebuilt from a
// full-corpus scan at startup and maintained incrementally on every mutation,
// so average document length and per-term IDF are never stale.
package bm25

import (
	"math"
	"sort"
	"strings"
	"sync"
)

// Standard BM25 parameters.
const (
	k1 = 1.2
	b  = 0.75
)

// posting records one document's frequency for a term.
type posting struct {
	id int64
	tf int
}

// Result is a scored document returned by Search.
type Result struct {
	// ID is the document (memory entry) identifier.
	ID int64

	// Score is the BM25 score for the query.
	Score float64
}

// Index is the keyword index service.
//
// It is thread-safe: a write holds exclusive access only for its own
// mutation, and readers see either the pre- or post-mutation statistics,
// never a mix.
type Index struct {
	mu sync.RWMutex

	// postings maps term -> list of (docID, term frequency).
	postings map[string][]posting

	// docLengths maps docID -> token count.
	docLengths map[int64]int

	// idf caches per-term inverse document frequency; recomputed for
	// affected terms on every mutation.
	idf map[string]float64

	// avgDocLength is the mean token count across the corpus.
	avgDocLength float64
}

// NewIndex creates an empty keyword index.
func NewIndex() *Index {
	return &Index{
		postings:   make(map[string][]posting),
		docLengths: make(map[int64]int),
		idf:        make(map[string]float64),
	}
}

// Build replaces the index contents with a full rebuild from the corpus.
//
// Parameters:
//   - corpus: docID -> document text
func (ix *Index) Build(corpus map[int64]string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.postings = make(map[string][]posting)
	ix.docLengths = make(map[int64]int, len(corpus))
	ix.idf = make(map[string]float64)

	for id, text := range corpus {
		ix.index(id, text)
	}

	ix.recomputeAvgLength()
	for term := range ix.postings {
		ix.recomputeIDF(term)
	}
}

// AddEntry indexes one document incrementally. Average document length and
// the IDF of the document's terms are the only statistics recomputed.
func (ix *Index) AddEntry(id int64, text string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, exists := ix.docLengths[id]; exists {
		ix.remove(id)
	}

	terms := ix.index(id, text)
	ix.recomputeAvgLength()
	for term := range terms {
		ix.recomputeIDF(term)
	}
}

// RemoveEntry drops one document from the index incrementally.
func (ix *Index) RemoveEntry(id int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, term := range ix.remove(id) {
		ix.recomputeIDF(term)
	}
	ix.recomputeAvgLength()
}

// Score computes the BM25 score of one document for a query:
//
//	Σ_term IDF(term) · tf·(k1+1) / (tf + k1·(1 − b + b·|doc|/avgLen))
//
// with k1 = 1.2 and b = 0.75. Unknown documents or queries with no indexed
// terms score 0; scores are never negative.
func (ix *Index) Score(query string, id int64) float64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.score(Tokenize(query), id)
}

// Search scores every document containing at least one query term and
// returns the top K in descending score order.
func (ix *Index) Search(query string, topK int) []Result {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	candidates := make(map[int64]struct{})
	for _, term := range terms {
		for _, p := range ix.postings[term] {
			candidates[p.id] = struct{}{}
		}
	}

	results := make([]Result, 0, len(candidates))
	for id := range candidates {
		results = append(results, Result{ID: id, Score: ix.score(terms, id)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docLengths)
}

// score requires at least a read lock.
func (ix *Index) score(terms []string, id int64) float64 {
	docLen, ok := ix.docLengths[id]
	if !ok || ix.avgDocLength == 0 {
		return 0
	}

	var total float64
	for _, term := range terms {
		tf := 0
		for _, p := range ix.postings[term] {
			if p.id == id {
				tf = p.tf
				break
			}
		}
		if tf == 0 {
			continue
		}

		norm := float64(tf) * (k1 + 1) /
			(float64(tf) + k1*(1-b+b*float64(docLen)/ix.avgDocLength))
		total += ix.idf[term] * norm
	}

	return total
}

// index tokenizes and stores one document, returning its distinct terms.
// Caller must hold the write lock.
func (ix *Index) index(id int64, text string) map[string]struct{} {
	tokens := Tokenize(text)
	ix.docLengths[id] = len(tokens)

	freq := make(map[string]int)
	for _, tok := range tokens {
		freq[tok]++
	}

	terms := make(map[string]struct{}, len(freq))
	for term, tf := range freq {
		ix.postings[term] = append(ix.postings[term], posting{id: id, tf: tf})
		terms[term] = struct{}{}
	}

	return terms
}

// remove drops a document's postings, returning the affected terms.
// Caller must hold the write lock.
func (ix *Index) remove(id int64) []string {
	if _, ok := ix.docLengths[id]; !ok {
		return nil
	}
	delete(ix.docLengths, id)

	var affected []string
	for term, list := range ix.postings {
		for i, p := range list {
			if p.id == id {
				list = append(list[:i], list[i+1:]...)
				if len(list) == 0 {
					delete(ix.postings, term)
					delete(ix.idf, term)
				} else {
					ix.postings[term] = list
					affected = append(affected, term)
				}
				break
			}
		}
	}

	return affected
}

// recomputeIDF updates one term's cached IDF:
//
//	IDF = log((N − df + 0.5)/(df + 0.5) + 1)
//
// Caller must hold the write lock.
func (ix *Index) recomputeIDF(term string) {
	df := float64(len(ix.postings[term]))
	if df == 0 {
		delete(ix.idf, term)
		return
	}
	n := float64(len(ix.docLengths))
	ix.idf[term] = math.Log((n-df+0.5)/(df+0.5) + 1)
}

// recomputeAvgLength updates the cached average document length.
// Caller must hold the write lock.
func (ix *Index) recomputeAvgLength() {
	if len(ix.docLengths) == 0 {
		ix.avgDocLength = 0
		return
	}
	total := 0
	for _, l := range ix.docLengths {
		total += l
	}
	ix.avgDocLength = float64(total) / float64(len(ix.docLengths))
}

// stopwords dropped during tokenization.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "he": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {},
	"to": {}, "was": {}, "were": {}, "will": {}, "with": {},
}

// Tokenize lowercases text, splits on non-alphanumeric boundaries, and drops
// tokens shorter than 2 characters or present in the stopword set.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})

	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, drop := stopwords[f]; drop {
			continue
		}
		out = append(out, f)
	}
	return out
}
