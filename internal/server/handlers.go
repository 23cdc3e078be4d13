package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"ebook-companion/internal/chat"
	"ebook-companion/internal/db"
	"ebook-companion/internal/llmservice"
	"ebook-companion/internal/models"
)

type registerBookRequest struct {
	ID     string `json:"id"`
	Title  string `json:"title" binding:"required"`
	Author string `json:"author"`
	Kind   string `json:"kind" binding:"required"` // pdf, epub
	Path   string `json:"path" binding:"required"`
}

func (s *Server) registerBook(c *gin.Context) {
	var req registerBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var kind models.PositionKind
	switch strings.ToLower(req.Kind) {
	case "pdf":
		kind = models.KindPage
	case "epub":
		kind = models.KindPercent
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported kind %q", req.Kind)})
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	entry := CatalogEntry{
		Info: models.BookInfo{ID: req.ID, Title: req.Title, Author: req.Author},
		Kind: kind,
		Path: req.Path,
	}
	s.registry.Register(entry)

	if s.db != nil {
		err := db.UpsertBook(c.Request.Context(), s.db, &db.Book{
			ID:     req.ID,
			Title:  req.Title,
			Author: req.Author,
			Kind:   strings.ToLower(req.Kind),
			Path:   req.Path,
		})
		if err != nil {
			log.Error().Err(err).Str("book", req.ID).Msg("failed to persist book")
		}
	}

	c.JSON(http.StatusCreated, gin.H{"id": req.ID})
}

func (s *Server) listBooks(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusOK, gin.H{"books": []db.Book{}})
		return
	}
	books, err := db.ListBooks(c.Request.Context(), s.db)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"books": books})
}

func (s *Server) openBook(c *gin.Context) {
	bookID := c.Param("id")
	session, err := s.registry.Open(bookID, s.newChatSession)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	s.store.SetActiveBook(bookID)

	// Resume from persisted progress when available.
	if s.db != nil {
		if saved, err := db.GetProgress(c.Request.Context(), s.db, bookID); err == nil && saved > s.tracker.Position(bookID) {
			s.tracker.SetPosition(bookID, saved)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"book":     session.Book,
		"kind":     session.Kind.String(),
		"position": s.tracker.Position(bookID),
	})
}

type progressRequest struct {
	Page     *int     `json:"page"`
	Fraction *float64 `json:"fraction"`
}

// postProgress is the "user has read to here" event: it drives extraction
// and only then advances (and persists) the position.
func (s *Server) postProgress(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bookID := session.Book.ID
	switch {
	case session.Kind == models.KindPage && req.Page != nil:
		if *req.Page < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "page must be >= 1"})
			return
		}
		s.coordinator.ExtractToPage(c.Request.Context(), bookID, session.PageSource(), *req.Page)
	case session.Kind == models.KindPercent && req.Fraction != nil:
		if *req.Fraction < 0 || *req.Fraction > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fraction must be in [0, 1]"})
			return
		}
		s.coordinator.CaptureViewport(c.Request.Context(), bookID, session.ViewSource(), *req.Fraction)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected page for pdf or fraction for epub"})
		return
	}

	position := s.tracker.Position(bookID)
	if s.db != nil {
		if err := db.SaveProgress(c.Request.Context(), s.db, bookID, position); err != nil {
			log.Error().Err(err).Str("book", bookID).Msg("failed to persist progress")
		}
	}

	c.JSON(http.StatusOK, gin.H{"position": position})
}

func (s *Server) getProgress(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": s.tracker.Position(session.Book.ID)})
}

type chatRequest struct {
	Message  string `json:"message" binding:"required"`
	Position *int   `json:"position"`
}

// postChat relays the assistant's token stream to the client as SSE,
// mirroring the upstream wire shape: data: {"content": ...} per fragment,
// then data: [DONE].
func (s *Server) postChat(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Position != nil && *req.Position < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "position must be non-negative"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	msg, err := session.Chat.Send(c.Request.Context(), req.Message, req.Position, func(token string) {
		payload, _ := json.Marshal(gin.H{"content": token})
		fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
		flusher.Flush()
	})
	if err != nil {
		reason := session.Chat.Err()
		if reason == "" {
			reason = err.Error()
		}
		payload, _ := json.Marshal(gin.H{"error": reason})
		fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
		flusher.Flush()
		return
	}

	if msg != nil {
		payload, _ := json.Marshal(gin.H{"message_id": msg.ID})
		fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	}
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) cancelChat(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	session.Chat.Cancel()
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) getHistory(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	history := session.Chat.History()
	if c.Query("format") != "html" {
		c.JSON(http.StatusOK, gin.H{"messages": history})
		return
	}

	// Assistant replies are markdown; render them for display.
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	type htmlMessage struct {
		models.ChatMessage
		HTML string `json:"html,omitempty"`
	}
	out := make([]htmlMessage, 0, len(history))
	for _, msg := range history {
		m := htmlMessage{ChatMessage: msg}
		if msg.Role == models.RoleAssistant {
			var buf bytes.Buffer
			if err := md.Convert([]byte(msg.Content), &buf); err == nil {
				m.HTML = buf.String()
			}
		}
		out = append(out, m)
	}
	c.PureJSON(http.StatusOK, gin.H{"messages": out})
}

func (s *Server) clearChat(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	session.Chat.ClearChat()
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (s *Server) recallSearch(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	if s.recall == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "recall is not configured"})
		return
	}

	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "5"))

	bookID := session.Book.ID
	results, err := s.recall.Search(c.Request.Context(), bookID, query, s.tracker.Position(bookID), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// suggestions asks a non-streaming model for reading-comprehension
// questions over the bounded context. Same empty-context guard as chat.
func (s *Server) suggestions(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}
	if s.cfg.Suggest.BaseURL == "" {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "suggestions are not configured"})
		return
	}

	bookID := session.Book.ID
	boundedContext := s.store.ReadUpTo(bookID, s.tracker.Position(bookID))
	if strings.TrimSpace(boundedContext) == "" {
		c.JSON(http.StatusConflict, gin.H{"error": chat.ErrNoContext.Error()})
		return
	}

	prompt := fmt.Sprintf(models.SuggestionPromptTemplate, session.Book.Title, boundedContext)
	answer, err := llmservice.Complete(c.Request.Context(), &s.cfg.Suggest, prompt)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	var questions []string
	for _, line := range strings.Split(answer, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			questions = append(questions, line)
		}
	}
	c.JSON(http.StatusOK, gin.H{"questions": questions})
}

// closeSession tears down everything owned by the open book: chat, context,
// extraction bookkeeping, tracked position, recall index, document handle.
func (s *Server) closeSession(c *gin.Context) {
	session, ok := s.session(c)
	if !ok {
		return
	}

	bookID := session.Book.ID
	session.Chat.Cancel()
	s.store.Clear(bookID)
	s.coordinator.Reset(bookID)
	s.tracker.Forget(bookID)
	if s.recall != nil {
		s.recall.Forget(bookID)
	}
	s.registry.Remove(bookID)

	c.JSON(http.StatusOK, gin.H{"closed": true})
}
