package recall

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"

	"ebook-companion/internal/config"
	"ebook-companion/internal/contextstore"
)

// Result is one recall hit inside the already-read part of a book.
type Result struct {
	Position   int     `json:"position"`
	Text       string  `json:"text"`
	Similarity float32 `json:"similarity"`
}

// Index answers "where did I read about X" with a semantic search over the
// extracted chunks. Only chunks at or below the given position bound are
// ever indexed or returned, so recall cannot leak unread content either.
type Index struct {
	db       *chromem.DB
	embedder *embeddings.EmbedderImpl
	store    *contextstore.Store

	mu      sync.Mutex
	indexed map[string]map[int]struct{}
}

func NewIndex(store *contextstore.Store, llmConfig *config.LLMConfig) (*Index, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(llmConfig.BaseURL),
		ollama.WithModel(llmConfig.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding LLM: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	return &Index{
		db:       chromem.NewDB(),
		embedder: embedder,
		store:    store,
		indexed:  make(map[string]map[int]struct{}),
	}, nil
}

// Search lazily embeds any not-yet-indexed chunks within the bound, then
// runs a similarity query over the book's collection.
func (i *Index) Search(ctx context.Context, bookID, query string, maxPosition, limit int) ([]Result, error) {
	collection, err := i.db.GetOrCreateCollection("book-"+bookID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open recall collection: %v", err)
	}

	if err := i.indexMissing(ctx, collection, bookID, maxPosition); err != nil {
		return nil, err
	}
	if collection.Count() == 0 {
		return nil, nil
	}

	queryEmbedding, err := i.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	if limit <= 0 || limit > collection.Count() {
		limit = collection.Count()
	}
	hits, err := collection.QueryWithOptions(ctx, chromem.QueryOptions{
		QueryEmbedding: queryEmbedding,
		NResults:       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query recall collection: %v", err)
	}

	var results []Result
	for _, hit := range hits {
		position, err := strconv.Atoi(hit.Metadata["position"])
		if err != nil || position > maxPosition {
			continue
		}
		results = append(results, Result{
			Position:   position,
			Text:       hit.Content,
			Similarity: hit.Similarity,
		})
	}
	return results, nil
}

func (i *Index) indexMissing(ctx context.Context, collection *chromem.Collection, bookID string, maxPosition int) error {
	i.mu.Lock()
	if i.indexed[bookID] == nil {
		i.indexed[bookID] = make(map[int]struct{})
	}
	seen := i.indexed[bookID]
	i.mu.Unlock()

	var docs []chromem.Document
	var positions []int
	for _, chunk := range i.store.ChunksUpTo(bookID, maxPosition) {
		i.mu.Lock()
		_, ok := seen[chunk.Position.Value]
		i.mu.Unlock()
		if ok {
			continue
		}

		embedding, err := i.embedder.EmbedQuery(ctx, chunk.Text)
		if err != nil {
			return fmt.Errorf("failed to embed chunk: %w", err)
		}
		docs = append(docs, chromem.Document{
			ID:        fmt.Sprintf("%s-%d", bookID, chunk.Position.Value),
			Content:   chunk.Text,
			Metadata:  map[string]string{"position": strconv.Itoa(chunk.Position.Value)},
			Embedding: embedding,
		})
		positions = append(positions, chunk.Position.Value)
	}
	if len(docs) == 0 {
		return nil
	}

	if err := collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %v", err)
	}

	i.mu.Lock()
	for _, p := range positions {
		seen[p] = struct{}{}
	}
	i.mu.Unlock()

	log.Debug().Str("book", bookID).Int("chunks", len(docs)).Msg("indexed chunks for recall")
	return nil
}

// Forget drops the book's collection and index bookkeeping. Used on close.
func (i *Index) Forget(bookID string) {
	if err := i.db.DeleteCollection("book-" + bookID); err != nil {
		log.Debug().Err(err).Str("book", bookID).Msg("no recall collection to delete")
	}
	i.mu.Lock()
	delete(i.indexed, bookID)
	i.mu.Unlock()
}
