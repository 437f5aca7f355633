// Package memory is the long-term fact store with lexical retrieval.
// Ranking is deliberately simple and deterministic: count of query tokens
// present in the candidate after stop-word filtering and case folding,
// ties broken by recency. Vector search is an extension point, not core.
package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one long-term memory record.
type Entry struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	SourceTag string    `json:"source_tag,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "has": true,
	"he": true, "in": true, "is": true, "it": true, "its": true, "of": true,
	"on": true, "or": true, "that": true, "the": true, "to": true, "was": true,
	"were": true, "will": true, "with": true, "you": true, "your": true,
	"i": true, "me": true, "my": true, "we": true, "our": true, "this": true,
	"do": true, "does": true, "not": true, "no": true, "so": true, "if": true,
}

// Index persists entries to a JSONL file and serves top-K retrieval.
// Append-mostly: readers work off an immutable snapshot slice that a
// writer swaps atomically (double-buffered), so retrieval never blocks
// behind compaction.
type Index struct {
	path string

	mu      sync.Mutex // guards writes and snapshot swap
	file    *os.File
	entries []Entry // current snapshot; replaced wholesale, never mutated
}

// Open loads (or creates) the memory file.
func Open(path string) (*Index, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open memory file: %w", err)
	}

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("scan memory file: %w", err)
	}

	if _, err := f.Seek(0, 2); err != nil {
		f.Close()
		return nil, err
	}
	return &Index{path: path, file: f, entries: entries}, nil
}

// Add appends a new entry and returns it with id and timestamp filled.
func (ix *Index) Add(text, sourceTag string) (Entry, error) {
	e := Entry{
		ID:        uuid.NewString(),
		Text:      text,
		SourceTag: sourceTag,
		CreatedAt: time.Now().UTC(),
	}

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("encode memory entry: %w", err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, err := ix.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("append memory entry: %w", err)
	}
	if err := ix.file.Sync(); err != nil {
		return Entry{}, err
	}

	next := make([]Entry, len(ix.entries)+1)
	copy(next, ix.entries)
	next[len(ix.entries)] = e
	ix.entries = next
	return e, nil
}

// TopK returns the k entries with the highest lexical overlap against the
// query. Entries with zero overlap are excluded.
func (ix *Index) TopK(query string, k int) []Entry {
	if k <= 0 {
		k = 5
	}
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	ix.mu.Lock()
	snapshot := ix.entries
	ix.mu.Unlock()

	type scored struct {
		entry Entry
		score int
	}
	var candidates []scored
	for _, e := range snapshot {
		tokens := make(map[string]bool)
		for _, t := range Tokenize(e.Text) {
			tokens[t] = true
		}
		score := 0
		for _, qt := range queryTokens {
			if tokens[qt] {
				score++
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{e, score})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].entry.CreatedAt.After(candidates[j].entry.CreatedAt)
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Entry, len(candidates))
	for i, c := range candidates {
		out[i] = c.entry
	}
	return out
}

// All returns a snapshot of every entry in insertion order.
func (ix *Index) All() []Entry {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.entries
}

// HasSourceTag reports whether any entry carries the given tag.
func (ix *Index) HasSourceTag(tag string) bool {
	ix.mu.Lock()
	snapshot := ix.entries
	ix.mu.Unlock()
	for _, e := range snapshot {
		if e.SourceTag == tag {
			return true
		}
	}
	return false
}

// Compact rewrites the file sorted by creation time, dropping duplicate
// texts. Readers keep the old snapshot until the swap.
func (ix *Index) Compact() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	sorted := make([]Entry, len(ix.entries))
	copy(sorted, ix.entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	seen := make(map[string]bool, len(sorted))
	deduped := sorted[:0]
	for _, e := range sorted {
		if seen[e.Text] {
			continue
		}
		seen[e.Text] = true
		deduped = append(deduped, e)
	}

	tmp := ix.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open compaction file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, e := range deduped {
		line, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	f.Close()

	if err := os.Rename(tmp, ix.path); err != nil {
		return fmt.Errorf("swap compacted memory: %w", err)
	}

	ix.file.Close()
	nf, err := os.OpenFile(ix.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	ix.file = nf
	ix.entries = deduped
	return nil
}

// Close releases the backing file.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.file.Close()
}

// Tokenize lowercases, splits on non-alphanumeric runes and drops
// stop words and single-character tokens.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}
