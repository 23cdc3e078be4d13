package server

import (
	"fmt"
	"sync"

	"ebook-companion/internal/chat"
	"ebook-companion/internal/extract"
	"ebook-companion/internal/models"
)

// ReadingSession bundles everything owned by one open book: its document
// handle, its chat session, and how its positions are interpreted. Created
// on open, disposed on close; nothing about it is process-global.
type ReadingSession struct {
	Book models.BookInfo
	Kind models.PositionKind
	Chat *chat.Session

	pdf  *extract.PDFDocument
	epub *extract.EPUBDocument
}

// PageSource returns the paginated view of the document, or nil for
// continuous documents.
func (rs *ReadingSession) PageSource() extract.PageSource {
	if rs.pdf == nil {
		return nil
	}
	return rs.pdf
}

// ViewSource returns the continuous view of the document, or nil for
// paginated documents.
func (rs *ReadingSession) ViewSource() extract.ViewSource {
	if rs.epub == nil {
		return nil
	}
	return rs.epub
}

func (rs *ReadingSession) Close() error {
	if rs.pdf != nil {
		return rs.pdf.Close()
	}
	if rs.epub != nil {
		return rs.epub.Close()
	}
	return nil
}

// CatalogEntry describes a registered book before it is opened.
type CatalogEntry struct {
	Info models.BookInfo
	Kind models.PositionKind
	Path string
}

// Registry tracks registered books and their open sessions.
type Registry struct {
	mu       sync.RWMutex
	catalog  map[string]CatalogEntry
	sessions map[string]*ReadingSession
}

func NewRegistry() *Registry {
	return &Registry{
		catalog:  make(map[string]CatalogEntry),
		sessions: make(map[string]*ReadingSession),
	}
}

func (r *Registry) Register(entry CatalogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalog[entry.Info.ID] = entry
}

func (r *Registry) Lookup(bookID string) (CatalogEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.catalog[bookID]
	return entry, ok
}

func (r *Registry) Session(bookID string) (*ReadingSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[bookID]
	return session, ok
}

// Open creates a session for the book, opening its document by kind.
// Idempotent: an existing session is returned as-is.
func (r *Registry) Open(bookID string, newChat func(models.BookInfo) *chat.Session) (*ReadingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session, ok := r.sessions[bookID]; ok {
		return session, nil
	}
	entry, ok := r.catalog[bookID]
	if !ok {
		return nil, fmt.Errorf("unknown book %q", bookID)
	}

	session := &ReadingSession{Book: entry.Info, Kind: entry.Kind}
	switch entry.Kind {
	case models.KindPage:
		doc, err := extract.OpenPDF(entry.Path)
		if err != nil {
			return nil, err
		}
		session.pdf = doc
	case models.KindPercent:
		doc, err := extract.OpenEPUB(entry.Path)
		if err != nil {
			return nil, err
		}
		session.epub = doc
		if session.Book.Title == "" {
			session.Book.Title = doc.Title()
		}
		if session.Book.Author == "" {
			session.Book.Author = doc.Author()
		}
	default:
		return nil, fmt.Errorf("unsupported document kind %v", entry.Kind)
	}

	session.Chat = newChat(session.Book)
	r.sessions[bookID] = session
	return session, nil
}

// Remove drops the session and closes its document.
func (r *Registry) Remove(bookID string) {
	r.mu.Lock()
	session, ok := r.sessions[bookID]
	delete(r.sessions, bookID)
	r.mu.Unlock()

	if ok {
		_ = session.Close()
	}
}
