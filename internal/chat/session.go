package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ebook-companion/internal/assistant"
	"ebook-companion/internal/contextstore"
	"ebook-companion/internal/models"
	"ebook-companion/internal/progress"
)

// ErrNoContext blocks a request before any network call when nothing has
// been extracted yet for the book.
var ErrNoContext = errors.New("No content has been read yet")

// Session manages one book's conversation: history, the single in-flight
// request, and its streaming state. Constructed on book open, disposed on
// book close.
type Session struct {
	book    models.BookInfo
	store   *contextstore.Store
	tracker *progress.Tracker
	gateway assistant.Gateway

	mu         sync.Mutex
	history    []models.ChatMessage
	buffer     string
	generation uint64
	cancel     context.CancelFunc
	loading    bool
	streaming  bool
	lastErr    string
}

func NewSession(book models.BookInfo, store *contextstore.Store, tracker *progress.Tracker, gateway assistant.Gateway) *Session {
	return &Session{
		book:    book,
		store:   store,
		tracker: tracker,
		gateway: gateway,
	}
}

// Send runs one request/response round trip. It blocks until the stream
// finishes, relaying each fragment to onDelta as it arrives, and returns
// the finalized assistant message on success.
//
// Empty text is a no-op. A request started while another is outstanding
// supersedes it: the old request's token is invalidated before anything
// observable happens, so its late events never reach history. An explicit
// position bounds the context; otherwise the tracker's current position
// does. Cancellation returns (nil, nil) and appends nothing.
func (s *Session) Send(ctx context.Context, text string, position *int, onDelta func(string)) (*models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	s.mu.Lock()

	// Invalidate any outstanding request before its events can interleave
	// with this one.
	s.generation++
	gen := s.generation
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	s.history = append(s.history, models.ChatMessage{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	})
	s.lastErr = ""
	s.buffer = ""
	s.loading = true
	s.streaming = false

	bound := s.tracker.Position(s.book.ID)
	if position != nil {
		bound = *position
	}
	boundedContext := s.store.ReadUpTo(s.book.ID, bound)
	if strings.TrimSpace(boundedContext) == "" {
		s.loading = false
		s.lastErr = ErrNoContext.Error()
		s.mu.Unlock()
		return nil, ErrNoContext
	}

	req := models.AssistantRequest{
		Message:    text,
		Context:    boundedContext,
		BookTitle:  s.book.Title,
		BookAuthor: s.book.Author,
		Position:   bound,
		History:    historyWindow(s.history[:len(s.history)-1]),
	}

	reqCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	err := s.gateway.Stream(reqCtx, req, func(token string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.generation != gen {
			return
		}
		s.streaming = true
		s.buffer += token
		if onDelta != nil {
			onDelta(token)
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen {
		// Superseded or cancelled while in flight; a newer request owns
		// the session state now.
		return nil, nil
	}

	s.loading = false
	s.streaming = false
	s.cancel = nil
	cancel()

	if err != nil {
		s.buffer = ""
		if assistant.IsCancellation(err) {
			return nil, nil
		}
		s.lastErr = userMessageFor(err)
		log.Error().Err(err).Str("book", s.book.ID).Msg("chat request failed")
		return nil, err
	}

	msg := models.ChatMessage{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   s.buffer,
		Timestamp: time.Now(),
	}
	s.history = append(s.history, msg)
	s.buffer = ""
	return &msg, nil
}

// Cancel invalidates the current request and aborts its network operation.
// No assistant message is appended and no error is recorded.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.loading = false
	s.streaming = false
	s.buffer = ""
}

// ClearChat discards the conversation history. Context and position are
// owned elsewhere and unaffected.
func (s *Session) ClearChat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// History returns a copy of the conversation so far.
func (s *Session) History() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChatMessage, len(s.history))
	copy(out, s.history)
	return out
}

// StreamingBuffer exposes the accumulating assistant response for UIs that
// render it as it grows.
func (s *Session) StreamingBuffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

func (s *Session) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err returns the last user-visible error, empty when the last request
// succeeded or was cancelled.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) Book() models.BookInfo {
	return s.book
}

// historyWindow maps the most recent entries to {role, content} pairs.
func historyWindow(history []models.ChatMessage) []models.HistoryEntry {
	start := 0
	if len(history) > models.HistoryWindow {
		start = len(history) - models.HistoryWindow
	}
	var out []models.HistoryEntry
	for _, msg := range history[start:] {
		out = append(out, models.HistoryEntry{Role: msg.Role, Content: msg.Content})
	}
	return out
}

// userMessageFor distinguishes connectivity problems from rejections the
// assistant reported itself.
func userMessageFor(err error) string {
	var provider *assistant.ProviderError
	if errors.As(err, &provider) {
		if provider.Reason != "" {
			return "The assistant could not answer: " + provider.Reason
		}
		return "The assistant could not answer this request"
	}
	var transport *assistant.TransportError
	if errors.As(err, &transport) {
		return "Could not reach the assistant. Check your connection and try again."
	}
	return "Something went wrong talking to the assistant"
}
