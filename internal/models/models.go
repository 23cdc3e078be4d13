package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PositionKind distinguishes paginated documents (PDF) from continuous ones
// (EPUB), where position is a whole-percent bucket.
type PositionKind int

const (
	KindPage PositionKind = iota
	KindPercent
)

func (k PositionKind) String() string {
	if k == KindPercent {
		return "percent"
	}
	return "page"
}

// Position identifies how far into a book a piece of text sits. Positions of
// the same book always share a kind; ordering is by Value only.
type Position struct {
	Kind  PositionKind `json:"kind"`
	Value int          `json:"value"`
}

func PagePosition(n int) Position    { return Position{Kind: KindPage, Value: n} }
func PercentPosition(n int) Position { return Position{Kind: KindPercent, Value: n} }

// ParsePosition validates a raw position key at the boundary. Non-numeric or
// negative keys are rejected rather than coerced.
func ParsePosition(kind PositionKind, raw string) (Position, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return Position{}, fmt.Errorf("invalid position %q: %w", raw, err)
	}
	if n < 0 {
		return Position{}, fmt.Errorf("invalid position %q: must be non-negative", raw)
	}
	return Position{Kind: kind, Value: n}, nil
}

// PercentBucket floors a read fraction into a whole-percent position,
// bounding chunk count to ~100 per book regardless of document length.
func PercentBucket(fraction float64) Position {
	n := int(fraction * 100)
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	return PercentPosition(n)
}

// Marker returns the human-readable prefix stored ahead of extracted text.
func (p Position) Marker() string {
	if p.Kind == KindPercent {
		return fmt.Sprintf("[%d%%]", p.Value)
	}
	return fmt.Sprintf("[Page %d]", p.Value)
}

// ContextChunk is one extracted unit of text tied to a single page or
// percentage bucket. Text already carries the position marker.
type ContextChunk struct {
	Position    Position  `json:"position"`
	Text        string    `json:"text"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// ChatMessage is an immutable entry in a book's conversation history.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // user, assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HistoryEntry is the reduced {role, content} pair sent to the assistant.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BookInfo carries the metadata the assistant is told about the book.
type BookInfo struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author,omitempty"`
}

// AssistantRequest is the JSON body POSTed to the assistant endpoint.
type AssistantRequest struct {
	System     string         `json:"system"`
	Message    string         `json:"message"`
	Context    string         `json:"context"`
	BookTitle  string         `json:"book_title"`
	BookAuthor string         `json:"book_author,omitempty"`
	Position   int            `json:"position"`
	History    []HistoryEntry `json:"history,omitempty"`
}
