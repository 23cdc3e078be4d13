package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/uptrace/bun"

	"ebook-companion/internal/assistant"
	"ebook-companion/internal/chat"
	"ebook-companion/internal/config"
	"ebook-companion/internal/contextstore"
	"ebook-companion/internal/extract"
	"ebook-companion/internal/models"
	"ebook-companion/internal/progress"
	"ebook-companion/internal/recall"
)

// Server wires the reading core behind an HTTP API. The database and the
// recall index are optional collaborators; the core runs without them.
type Server struct {
	cfg         *config.Config
	store       *contextstore.Store
	tracker     *progress.Tracker
	coordinator *extract.Coordinator
	gateway     assistant.Gateway
	registry    *Registry
	recall      *recall.Index
	db          *bun.DB
}

// New wires a server around a shared core. The recall index, when present,
// must be built over the same context store. Database may be nil.
func New(cfg *config.Config, store *contextstore.Store, tracker *progress.Tracker, gateway assistant.Gateway, recallIndex *recall.Index, database *bun.DB) *Server {
	return &Server{
		cfg:         cfg,
		store:       store,
		tracker:     tracker,
		coordinator: extract.NewCoordinator(store, tracker),
		gateway:     gateway,
		registry:    NewRegistry(),
		recall:      recallIndex,
		db:          database,
	}
}

func (s *Server) newChatSession(book models.BookInfo) *chat.Session {
	return chat.NewSession(book, s.store, s.tracker, s.gateway)
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	{
		api.GET("/books", s.listBooks)
		api.POST("/books", s.registerBook)
		api.POST("/books/:id/open", s.openBook)
		api.GET("/books/:id/progress", s.getProgress)
		api.POST("/books/:id/progress", s.postProgress)
		api.POST("/books/:id/chat", s.postChat)
		api.POST("/books/:id/chat/cancel", s.cancelChat)
		api.GET("/books/:id/chat", s.getHistory)
		api.DELETE("/books/:id/chat", s.clearChat)
		api.GET("/books/:id/recall", s.recallSearch)
		api.GET("/books/:id/suggestions", s.suggestions)
		api.DELETE("/books/:id/session", s.closeSession)
	}
	return router
}

func (s *Server) Run() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	return s.Router().Run(addr)
}

// session resolves the open session for a route, writing the error response
// itself when there is none.
func (s *Server) session(c *gin.Context) (*ReadingSession, bool) {
	session, ok := s.registry.Session(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "book is not open"})
		return nil, false
	}
	return session, true
}
