package rag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	chunkSize       = 800
	defaultTopK     = 4
	minScoreToMatch = 1
)

type chunk struct {
	doc   string
	text  string
	terms map[string]int
}

// Index is a naive retrieval index over a directory of plain-text
// documents: fixed-size chunks scored by term overlap with the query.
type Index struct {
	chunks []chunk
}

// LoadIndex reads every .txt and .md file under dir and chunks it. A
// missing or empty directory yields an empty index, not an error; the
// server then answers ungrounded.
func LoadIndex(dir string) (*Index, error) {
	idx := &Index{}
	if dir == "" {
		return idx, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("read documents dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".txt" && ext != ".md" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read document %s: %w", entry.Name(), err)
		}
		for _, part := range chunkText(string(raw), chunkSize) {
			idx.chunks = append(idx.chunks, chunk{
				doc:   entry.Name(),
				text:  part,
				terms: termCounts(part),
			})
		}
	}
	return idx, nil
}

// Len reports the number of indexed chunks.
func (idx *Index) Len() int {
	return len(idx.chunks)
}

// Retrieve returns up to k chunks ranked by term overlap with the query.
// Chunks sharing no term with the query are never returned.
func (idx *Index) Retrieve(query string, k int) []string {
	if k <= 0 {
		k = defaultTopK
	}
	queryTerms := termCounts(query)
	if len(queryTerms) == 0 {
		return nil
	}

	type scored struct {
		score int
		pos   int
	}
	ranked := make([]scored, 0, len(idx.chunks))
	for i, ch := range idx.chunks {
		score := 0
		for term := range queryTerms {
			score += ch.terms[term]
		}
		if score >= minScoreToMatch {
			ranked = append(ranked, scored{score: score, pos: i})
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].score > ranked[b].score
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]string, 0, len(ranked))
	for _, s := range ranked {
		ch := idx.chunks[s.pos]
		out = append(out, fmt.Sprintf("[%s] %s", ch.doc, ch.text))
	}
	return out
}

// chunkText splits on paragraph boundaries, packing paragraphs into
// pieces of roughly size bytes. A single oversized paragraph is split
// hard.
func chunkText(text string, size int) []string {
	paragraphs := strings.Split(text, "\n\n")
	var chunks []string
	var current strings.Builder
	flush := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			chunks = append(chunks, trimmed)
		}
		current.Reset()
	}
	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for len(para) > size {
			flush()
			chunks = append(chunks, para[:size])
			para = strings.TrimSpace(para[size:])
		}
		if current.Len()+len(para) > size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return chunks
}

func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(word) < 3 {
			continue
		}
		counts[word]++
	}
	return counts
}
