// Package journal appends every ingested page as one JSON line to a rotating
// local file.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// FileName is the active journal file inside the configured directory.
const FileName = "crawled_data.jsonl"

// Config controls journal location and rotation.
type Config struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// Journal is a crawler.Journal writing JSON Lines.
type Journal struct {
	mu       sync.Mutex
	w        io.WriteCloser
	enc      *json.Encoder
	instance string
}

type entry struct {
	Instance string `json:"instance"`
	crawler.PageRecord
}

// New opens (or creates) the journal under cfg.Dir.
func New(cfg Config) (*Journal, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("journal directory is required")
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 256
	}
	return NewWithWriter(&lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, FileName),
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}), nil
}

// NewWithWriter builds a journal over an arbitrary writer.
func NewWithWriter(w io.WriteCloser) *Journal {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Journal{
		w:        w,
		enc:      enc,
		instance: uuid.NewString(),
	}
}

// Instance identifies this process in every journal line.
func (j *Journal) Instance() string {
	return j.instance
}

// Append writes page as a single JSON line.
func (j *Journal) Append(ctx context.Context, page crawler.PageRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(entry{Instance: j.instance, PageRecord: page}); err != nil {
		return fmt.Errorf("journal append %s: %w", page.URL, err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}
