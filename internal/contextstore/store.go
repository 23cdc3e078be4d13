package contextstore

import (
	"sort"
	"strings"
	"sync"

	"ebook-companion/internal/models"
)

// NoBound can be passed to ReadUpTo to read every chunk of a book.
const NoBound = -1

// Store holds the extracted text chunks for each open book, ordered by
// position. It is the only source the assistant context is ever read from,
// so the position bound enforced here is the spoiler guarantee.
type Store struct {
	mu    sync.RWMutex
	books map[string][]models.ContextChunk
}

func New() *Store {
	return &Store{books: make(map[string][]models.ContextChunk)}
}

// SetActiveBook ensures a chunk list exists for the book. Idempotent.
func (s *Store) SetActiveBook(bookID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.books[bookID]; !ok {
		s.books[bookID] = nil
	}
}

// AddChunk inserts a chunk, keeping chunks sorted ascending by position.
// A chunk for an already-known position replaces the stored one only when
// its text is longer, longer being treated as "more complete".
func (s *Store) AddChunk(bookID string, chunk models.ContextChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks := s.books[bookID]
	for i, existing := range chunks {
		if existing.Position.Value == chunk.Position.Value {
			if len(chunk.Text) > len(existing.Text) {
				chunks[i] = chunk
			}
			return
		}
	}

	chunks = append(chunks, chunk)
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].Position.Value < chunks[j].Position.Value
	})
	s.books[bookID] = chunks
}

// ReadUpTo returns the text of every chunk whose position is <= maxPosition,
// in ascending order, joined with blank lines. A chunk beyond the bound is
// never included. Pass NoBound for no upper bound.
func (s *Store) ReadUpTo(bookID string, maxPosition int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var parts []string
	for _, chunk := range s.books[bookID] {
		if maxPosition != NoBound && chunk.Position.Value > maxPosition {
			break
		}
		parts = append(parts, chunk.Text)
	}
	return strings.Join(parts, models.ChunkSeparator)
}

// ChunksUpTo returns copies of the chunks within the bound, for callers that
// need positions alongside text (recall indexing).
func (s *Store) ChunksUpTo(bookID string, maxPosition int) []models.ContextChunk {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ContextChunk
	for _, chunk := range s.books[bookID] {
		if maxPosition != NoBound && chunk.Position.Value > maxPosition {
			break
		}
		out = append(out, chunk)
	}
	return out
}

// HasAnyContext reports whether at least one chunk exists for the book.
func (s *Store) HasAnyContext(bookID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.books[bookID]) > 0
}

// Clear removes every chunk for the book. Used on book close.
func (s *Store) Clear(bookID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.books, bookID)
}
