package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// chunkNamespace keeps chunk ids stable across re-ingests of the same file.
var chunkNamespace = uuid.MustParse("8f0b6c0e-2f53-4c57-9d7e-4f1a5b1c2d3e")

const defaultMaxChunkChars = 1200

// IngestResult summarizes an ingest pass.
type IngestResult struct {
	Files  int
	Chunks int
}

// IngestDir indexes every .md and .txt file under dir. Each file replaces its
// previous chunks; the source name is the path relative to dir.
func (x *Index) IngestDir(ctx context.Context, dir string) (IngestResult, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && indexable(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("scan knowledge dir: %w", err)
	}
	sort.Strings(files)

	var res IngestResult
	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return res, fmt.Errorf("relative path: %w", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return res, fmt.Errorf("read %s: %w", path, err)
		}
		source := filepath.ToSlash(rel)
		chunks := ChunkDocument(source, string(data), defaultMaxChunkChars)
		if err := x.DeleteSource(ctx, source); err != nil {
			return res, err
		}
		if err := x.Upsert(ctx, chunks); err != nil {
			return res, err
		}
		res.Files++
		res.Chunks += len(chunks)
	}
	return res, nil
}

// ChunkDocument splits markdown into sections at headings and packs each
// section's paragraphs into chunks of at most maxChars characters. A single
// paragraph longer than maxChars becomes its own chunk.
func ChunkDocument(source, text string, maxChars int) []Chunk {
	if maxChars <= 0 {
		maxChars = defaultMaxChunkChars
	}
	var chunks []Chunk
	section := ""
	var paras []string
	var cur strings.Builder

	emit := func() {
		body := strings.TrimSpace(cur.String())
		cur.Reset()
		if body == "" {
			return
		}
		chunkID := fmt.Sprintf("%s#%d", source, len(chunks)+1)
		chunks = append(chunks, Chunk{
			ID:      uuid.NewSHA1(chunkNamespace, []byte(chunkID)).String(),
			Source:  source,
			Section: section,
			ChunkID: chunkID,
			Text:    body,
		})
	}
	flushSection := func() {
		for _, p := range paras {
			if cur.Len() > 0 && len([]rune(cur.String()))+len([]rune(p))+2 > maxChars {
				emit()
			}
			if cur.Len() > 0 {
				cur.WriteString("\n\n")
			}
			cur.WriteString(p)
		}
		emit()
		paras = nil
	}

	var para []string
	endPara := func() {
		if len(para) > 0 {
			paras = append(paras, strings.Join(para, "\n"))
			para = nil
		}
	}

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			endPara()
			flushSection()
			section = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			continue
		}
		if trimmed == "" {
			endPara()
			continue
		}
		para = append(para, line)
	}
	endPara()
	flushSection()
	return chunks
}
