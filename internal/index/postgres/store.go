// Package postgres provides a Postgres-backed index store using pgx, with
// full-text search over a generated tsvector column.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultLimit  = 10
	maxQueryLimit = 100
	snippetRunes  = 160
)

// Config controls the Postgres connection pool used for indexed pages.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Ping(context.Context) error
	Close()
}

// Store implements crawler.IndexStore on a single Postgres table.
type Store struct {
	pool  pool
	table string
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("index.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "pages"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: p, table: table}, nil
}

// EnsureSchema creates the pages table and its indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	domain TEXT NOT NULL,
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	html TEXT,
	anchor_texts JSONB NOT NULL DEFAULT '[]'::jsonb,
	attachments JSONB NOT NULL DEFAULT '[]'::jsonb,
	crawl_time TIMESTAMPTZ NOT NULL,
	last_modified TIMESTAMPTZ,
	content_type TEXT NOT NULL DEFAULT '',
	search TSVECTOR GENERATED ALWAYS AS (
		setweight(to_tsvector('simple', coalesce(title, '')), 'A') ||
		setweight(to_tsvector('simple', coalesce(content, '')), 'B')
	) STORED
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_search_idx ON %[1]s USING GIN (search)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_domain_idx ON %[1]s (domain)`, s.table),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Upsert inserts doc or replaces the row already stored under id.
func (s *Store) Upsert(ctx context.Context, id string, doc crawler.Document) error {
	if id == "" {
		return fmt.Errorf("upsert: empty document id")
	}
	anchors, err := json.Marshal(nonNilAnchors(doc.Anchors))
	if err != nil {
		return fmt.Errorf("marshal anchors: %w", err)
	}
	attachments, err := json.Marshal(nonNilAttachments(doc.Attachments))
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	var html *string
	if doc.HTML != "" {
		html = &doc.HTML
	}

	query := fmt.Sprintf(`INSERT INTO %s (
	id, url, domain, title, content, html, anchor_texts, attachments,
	crawl_time, last_modified, content_type
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
	url = EXCLUDED.url,
	domain = EXCLUDED.domain,
	title = EXCLUDED.title,
	content = EXCLUDED.content,
	html = EXCLUDED.html,
	anchor_texts = EXCLUDED.anchor_texts,
	attachments = EXCLUDED.attachments,
	crawl_time = EXCLUDED.crawl_time,
	last_modified = EXCLUDED.last_modified,
	content_type = EXCLUDED.content_type`, s.table)

	_, err = s.pool.Exec(ctx, query,
		id,
		doc.URL,
		doc.Domain,
		doc.Title,
		doc.Content,
		html,
		anchors,
		attachments,
		doc.Metadata.CrawlTime,
		doc.Metadata.LastModified,
		doc.Metadata.ContentType,
	)
	if err != nil {
		return fmt.Errorf("upsert page %s: %w", id, err)
	}
	return nil
}

// Search ranks rows by ts_rank against a websearch query, also matching
// titles by substring so short CJK queries still find pages.
func (s *Store) Search(ctx context.Context, q crawler.SearchQuery) ([]crawler.SearchHit, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return []crawler.SearchHit{}, nil
	}
	query := fmt.Sprintf(`SELECT id, url, title, left(content, %d) AS snippet,
	ts_rank(search, websearch_to_tsquery('simple', $1))::float8 AS score
FROM %s
WHERE (search @@ websearch_to_tsquery('simple', $1) OR title ILIKE $2)
	AND ($3 = '' OR domain = $3)
ORDER BY score DESC, id
LIMIT $4`, snippetRunes, s.table)

	rows, err := s.pool.Query(ctx, query, text, "%"+escapeLike(text)+"%", q.Domain, clampLimit(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("search pages: %w", err)
	}
	defer rows.Close()

	hits := []crawler.SearchHit{}
	for rows.Next() {
		var hit crawler.SearchHit
		if err := rows.Scan(&hit.ID, &hit.URL, &hit.Title, &hit.Snippet, &hit.Score); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}
	return hits, nil
}

// Scan streams id, url and anchors for up to query.Limit rows.
func (s *Store) Scan(ctx context.Context, q crawler.ScanQuery) iter.Seq2[crawler.Document, error] {
	order := "id"
	if q.Random {
		order = "random()"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	query := fmt.Sprintf(`SELECT id, url, anchor_texts FROM %s ORDER BY %s LIMIT $1`, s.table, order)

	return func(yield func(crawler.Document, error) bool) {
		rows, err := s.pool.Query(ctx, query, limit)
		if err != nil {
			yield(crawler.Document{}, fmt.Errorf("scan pages: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var (
				doc     crawler.Document
				anchors []byte
			)
			if err := rows.Scan(&doc.ID, &doc.URL, &anchors); err != nil {
				yield(crawler.Document{}, fmt.Errorf("scan page row: %w", err))
				return
			}
			if len(anchors) > 0 {
				if err := json.Unmarshal(anchors, &doc.Anchors); err != nil {
					yield(crawler.Document{}, fmt.Errorf("decode anchors for %s: %w", doc.ID, err))
					return
				}
			}
			if !yield(doc, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(crawler.Document{}, fmt.Errorf("iterate page rows: %w", err))
		}
	}
}

// Refresh updates planner statistics after a crawl. Committed rows are
// already visible to readers.
func (s *Store) Refresh(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf("ANALYZE %s", s.table)); err != nil {
		return fmt.Errorf("analyze %s: %w", s.table, err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
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

func nonNilAnchors(a []crawler.Anchor) []crawler.Anchor {
	if a == nil {
		return []crawler.Anchor{}
	}
	return a
}

func nonNilAttachments(a []crawler.Attachment) []crawler.Attachment {
	if a == nil {
		return []crawler.Attachment{}
	}
	return a
}
