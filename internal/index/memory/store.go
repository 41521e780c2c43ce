// Package memory provides an in-process index store with TF-IDF search.
package memory

import (
	"context"
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

const (
	titleWeight   = 2
	snippetRunes  = 160
	defaultLimit  = 10
	maxQueryLimit = 100
)

// Store keeps documents and an inverted index in memory.
type Store struct {
	mu      sync.RWMutex
	docs    map[string]crawler.Document
	entries map[string]map[string]int // term -> document ID -> weighted count
	docLen  map[string]int
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		docs:    make(map[string]crawler.Document),
		entries: make(map[string]map[string]int),
		docLen:  make(map[string]int),
	}
}

// Upsert stores doc under id, replacing any previous version.
func (s *Store) Upsert(ctx context.Context, id string, doc crawler.Document) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("upsert %s: %w", id, err)
	}
	if id == "" {
		return fmt.Errorf("upsert: empty document id")
	}
	doc.ID = id

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, replace := s.docs[id]; replace {
		for term, postings := range s.entries {
			delete(postings, id)
			if len(postings) == 0 {
				delete(s.entries, term)
			}
		}
	}
	s.docs[id] = doc

	counts := make(map[string]int)
	for _, term := range Tokenize(doc.Title) {
		counts[term] += titleWeight
	}
	for _, term := range Tokenize(doc.Content) {
		counts[term]++
	}
	total := 0
	for term, c := range counts {
		if _, ok := s.entries[term]; !ok {
			s.entries[term] = make(map[string]int)
		}
		s.entries[term][id] = c
		total += c
	}
	s.docLen[id] = total
	return nil
}

// Search ranks documents by TF-IDF over title and content terms.
func (s *Store) Search(ctx context.Context, query crawler.SearchQuery) ([]crawler.SearchHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	terms := Tokenize(query.Text)
	limit := clampLimit(query.Limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(terms) == 0 || len(s.docs) == 0 {
		return []crawler.SearchHit{}, nil
	}

	scores := map[string]float64{}
	n := float64(len(s.docs))
	for _, term := range terms {
		postings := s.entries[term]
		if len(postings) == 0 {
			continue
		}
		idf := math.Log((n+1)/(float64(len(postings))+1)) + 1
		for id, count := range postings {
			if query.Domain != "" && s.docs[id].Domain != query.Domain {
				continue
			}
			dl := s.docLen[id]
			if dl == 0 {
				continue
			}
			scores[id] += float64(count) / float64(dl) * idf
		}
	}

	hits := make([]crawler.SearchHit, 0, len(scores))
	for id, score := range scores {
		doc := s.docs[id]
		hits = append(hits, crawler.SearchHit{
			ID:      id,
			URL:     doc.URL,
			Title:   doc.Title,
			Snippet: snippet(doc.Content),
			Score:   score,
		})
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Score == hits[b].Score {
			return hits[a].ID < hits[b].ID
		}
		return hits[a].Score > hits[b].Score
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Scan yields up to query.Limit documents, shuffled when query.Random is set.
func (s *Store) Scan(ctx context.Context, query crawler.ScanQuery) iter.Seq2[crawler.Document, error] {
	return func(yield func(crawler.Document, error) bool) {
		s.mu.RLock()
		ids := make([]string, 0, len(s.docs))
		for id := range s.docs {
			ids = append(ids, id)
		}
		s.mu.RUnlock()

		if query.Random {
			rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		} else {
			sort.Strings(ids)
		}
		if query.Limit > 0 && len(ids) > query.Limit {
			ids = ids[:query.Limit]
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(crawler.Document{}, fmt.Errorf("scan: %w", err))
				return
			}
			s.mu.RLock()
			doc, ok := s.docs[id]
			s.mu.RUnlock()
			if !ok {
				continue
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// Refresh is a no-op: writes are visible as soon as Upsert returns.
func (s *Store) Refresh(context.Context) error {
	return nil
}

// Get returns the document stored under id.
func (s *Store) Get(id string) (crawler.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	return doc, ok
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Tokenize lowercases text and splits it on spaces and punctuation. Han runs
// are split into overlapping bigrams since they carry no word boundaries.
func Tokenize(text string) []string {
	var tokens []string
	f := func(c rune) bool {
		return unicode.IsSpace(c) || unicode.IsPunct(c) || unicode.IsSymbol(c)
	}
	for _, field := range strings.FieldsFunc(strings.ToLower(text), f) {
		for _, run := range splitScript(field) {
			if isHan(run) {
				tokens = append(tokens, bigrams(run)...)
				continue
			}
			if utf8.RuneCountInString(run) >= 2 {
				tokens = append(tokens, run)
			}
		}
	}
	return tokens
}

// splitScript separates a field into maximal Han and non-Han runs.
func splitScript(field string) []string {
	var runs []string
	start := 0
	prevHan := false
	for i, r := range field {
		han := unicode.Is(unicode.Han, r)
		if i > 0 && han != prevHan {
			runs = append(runs, field[start:i])
			start = i
		}
		prevHan = han
	}
	return append(runs, field[start:])
}

func isHan(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.Is(unicode.Han, r)
}

func bigrams(run string) []string {
	runes := []rune(run)
	if len(runes) == 1 {
		return []string{run}
	}
	out := make([]string, 0, len(runes)-1)
	for i := 0; i+1 < len(runes); i++ {
		out = append(out, string(runes[i:i+2]))
	}
	return out
}

func snippet(content string) string {
	if utf8.RuneCountInString(content) <= snippetRunes {
		return content
	}
	return string([]rune(content)[:snippetRunes]) + "..."
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
