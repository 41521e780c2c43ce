// Package memory provides a process-local seen-set.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// Set is a concurrency-safe in-memory seen-set.
type Set struct {
	seen sync.Map
	size atomic.Int64
}

// New creates an empty Set.
func New() *Set {
	return &Set{}
}

// Contains reports whether hash has been added.
func (s *Set) Contains(_ context.Context, hash crawler.URLHash) (bool, error) {
	_, ok := s.seen.Load(hash)
	return ok, nil
}

// Add records hash. Adding an existing hash is a no-op.
func (s *Set) Add(_ context.Context, hash crawler.URLHash) error {
	if _, loaded := s.seen.LoadOrStore(hash, struct{}{}); !loaded {
		s.size.Add(1)
	}
	return nil
}

// Len returns the number of distinct hashes recorded.
func (s *Set) Len() int {
	return int(s.size.Load())
}
