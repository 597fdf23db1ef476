// Package retrieval is the knowledge base the rag stage searches: brand
// guides, channel policies, compliance notes and past campaign formats,
// chunked into a SQLite index and scored by keyword overlap.
package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	_ "modernc.org/sqlite"
)

// Metadata describes where a chunk came from.
type Metadata struct {
	Source  string `json:"source"`
	Section string `json:"section"`
	ChunkID string `json:"chunk_id"`
	Text    string `json:"text"`
}

// Match is one retrieved chunk.
type Match struct {
	ID       string   `json:"id"`
	Score    float64  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// Result is relevance-ordered: the best match comes first.
type Result struct {
	Matches []Match `json:"matches"`
}

// Chunk is a unit of indexed text.
type Chunk struct {
	ID      string
	Source  string
	Section string
	ChunkID string
	Text    string
}

// Index stores chunks in SQLite.
type Index struct {
	DBPath string
	db     *sql.DB
}

// Open opens or creates the index database.
func Open(path string) (*Index, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve index db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure index db dir: %w", err)
	}
	db, err := sql.Open("sqlite", absPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	idx := &Index{DBPath: absPath, db: db}
	if err := idx.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Close closes the database connection.
func (x *Index) Close() error {
	if x.db != nil {
		return x.db.Close()
	}
	return nil
}

func (x *Index) ensureSchema() error {
	_, err := x.db.Exec(`
CREATE TABLE IF NOT EXISTS chunks (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	source TEXT NOT NULL,
	section TEXT,
	chunk_id TEXT NOT NULL,
	text TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source);
`)
	if err != nil {
		return fmt.Errorf("create index schema: %w", err)
	}
	return nil
}

// Upsert replaces chunks with matching ids and inserts the rest.
func (x *Index) Upsert(ctx context.Context, chunks []Chunk) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range chunks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, source, section, chunk_id, text)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				source = excluded.source,
				section = excluded.section,
				chunk_id = excluded.chunk_id,
				text = excluded.text
		`, c.ID, c.Source, c.Section, c.ChunkID, c.Text)
		if err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ChunkID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeleteSource removes every chunk from source.
func (x *Index) DeleteSource(ctx context.Context, source string) error {
	if _, err := x.db.ExecContext(ctx, "DELETE FROM chunks WHERE source = ?", source); err != nil {
		return fmt.Errorf("delete source %s: %w", source, err)
	}
	return nil
}

// Count returns the number of indexed chunks.
func (x *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// Retrieve scores every chunk against query and returns the topK best with a
// positive score. filters may restrict "source" and "section" by equality.
func (x *Index) Retrieve(ctx context.Context, query string, filters map[string]any, topK int) (Result, error) {
	if topK <= 0 {
		topK = 10
	}
	where, args, err := filterClause(filters)
	if err != nil {
		return Result{}, err
	}

	rows, err := x.db.QueryContext(ctx,
		"SELECT id, source, section, chunk_id, text FROM chunks"+where+" ORDER BY seq ASC",
		args...,
	)
	if err != nil {
		return Result{}, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	terms := tokenSet(query)
	var matches []Match
	for rows.Next() {
		var m Match
		var section sql.NullString
		if err := rows.Scan(&m.ID, &m.Metadata.Source, &section, &m.Metadata.ChunkID, &m.Metadata.Text); err != nil {
			return Result{}, fmt.Errorf("scan chunk: %w", err)
		}
		m.Metadata.Section = section.String
		m.Score = overlap(terms, m.Metadata.Text+" "+m.Metadata.Section)
		if m.Score <= 0 {
			continue
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate chunks: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return Result{Matches: matches}, nil
}

func filterClause(filters map[string]any) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conds []string
	var args []any
	for _, k := range keys {
		switch k {
		case "source", "section":
			conds = append(conds, k+" = ?")
			args = append(args, fmt.Sprint(filters[k]))
		default:
			return "", nil, fmt.Errorf("unsupported retrieval filter: %s", k)
		}
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// tokenSet lowercases text and splits it on anything that is not a letter or
// digit, keeping tokens of at least two runes.
func tokenSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(tok)) < 2 {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

// overlap is the share of query terms present in text.
func overlap(terms map[string]struct{}, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	doc := tokenSet(text)
	hits := 0
	for t := range terms {
		if _, ok := doc[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
