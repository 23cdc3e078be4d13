package extract

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"ebook-companion/internal/contextstore"
	"ebook-companion/internal/models"
	"ebook-companion/internal/progress"
)

// batchSize caps how many page extractions run at once. Each batch settles
// fully before the next one starts.
const batchSize = 3

// PageSource yields per-page text for paginated documents.
type PageSource interface {
	NumPages() int
	PageText(ctx context.Context, page int) (string, error)
}

// ViewSource yields the rendered text of a continuous document at a read
// fraction in [0, 1].
type ViewSource interface {
	TextAt(ctx context.Context, fraction float64) (string, error)
}

// Coordinator turns reading-position events into context chunks. It
// deduplicates work across calls and advances the position tracker only
// after extraction up to the target has been attempted.
type Coordinator struct {
	store   *contextstore.Store
	tracker *progress.Tracker

	mu       sync.Mutex
	inFlight map[string]map[int]struct{}
	done     map[string]map[int]struct{}
}

func NewCoordinator(store *contextstore.Store, tracker *progress.Tracker) *Coordinator {
	return &Coordinator{
		store:    store,
		tracker:  tracker,
		inFlight: make(map[string]map[int]struct{}),
		done:     make(map[string]map[int]struct{}),
	}
}

// ExtractToPage extracts every not-yet-done page in [1, target], at most
// batchSize at a time, then advances the tracker to the highest done page
// <= target (or target itself when nothing succeeded, so the reader is
// never stuck). A failed page is logged and left retryable; it never
// aborts its siblings.
func (c *Coordinator) ExtractToPage(ctx context.Context, bookID string, src PageSource, target int) {
	if target < 1 {
		return
	}
	if n := src.NumPages(); target > n {
		target = n
	}
	c.store.SetActiveBook(bookID)

	candidates := c.claimPages(bookID, target)
	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, page := range candidates[start:end] {
			g.Go(func() error {
				c.extractPage(gctx, bookID, src, page)
				return nil
			})
		}
		_ = g.Wait()
	}

	c.advanceTo(bookID, c.maxDoneUpTo(bookID, target), target)
}

// extractPage fetches one page, normalizes it, and records the outcome in
// the dedup sets. Empty pages count as done so they are not refetched.
func (c *Coordinator) extractPage(ctx context.Context, bookID string, src PageSource, page int) {
	text, err := src.PageText(ctx, page)

	c.mu.Lock()
	delete(c.inFlight[bookID], page)
	c.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("book", bookID).Int("page", page).Msg("page extraction failed")
		return
	}

	pos := models.PagePosition(page)
	text = CollapseWhitespace(text)
	if text != "" {
		c.store.AddChunk(bookID, models.ContextChunk{
			Position:    pos,
			Text:        pos.Marker() + " " + text,
			ExtractedAt: time.Now(),
		})
	}

	c.mu.Lock()
	c.markDone(bookID, page)
	c.mu.Unlock()
}

// CaptureViewport buckets a read fraction into a whole percent, stores the
// visible text as a chunk when it is meaningful and new, and always advances
// the tracker to the bucket, since percentage tracking must follow the
// viewport even when no chunk is produced.
func (c *Coordinator) CaptureViewport(ctx context.Context, bookID string, src ViewSource, fraction float64) {
	pos := models.PercentBucket(fraction)
	c.store.SetActiveBook(bookID)
	defer c.advanceTo(bookID, pos.Value, pos.Value)

	c.mu.Lock()
	_, seen := c.done[bookID][pos.Value]
	c.mu.Unlock()
	if seen {
		return
	}

	text, err := src.TextAt(ctx, fraction)
	if err != nil {
		log.Warn().Err(err).Str("book", bookID).Int("percent", pos.Value).Msg("viewport extraction failed")
		return
	}

	text = CollapseWhitespace(text)
	if len(text) <= models.MinViewportText {
		return
	}
	if len(text) > models.MaxChunkChars {
		text = text[:models.MaxChunkChars]
	}

	c.store.AddChunk(bookID, models.ContextChunk{
		Position:    pos,
		Text:        pos.Marker() + " " + text,
		ExtractedAt: time.Now(),
	})

	c.mu.Lock()
	c.markDone(bookID, pos.Value)
	c.mu.Unlock()
}

// Reset clears the dedup sets for a book, used when switching books. The
// context store has its own lifecycle and is not touched.
func (c *Coordinator) Reset(bookID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, bookID)
	delete(c.done, bookID)
}

// claimPages returns the pages in [1, target] that are neither done nor
// already being extracted, marking them in-flight.
func (c *Coordinator) claimPages(bookID string, target int) []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight[bookID] == nil {
		c.inFlight[bookID] = make(map[int]struct{})
	}
	var pages []int
	for p := 1; p <= target; p++ {
		if _, ok := c.done[bookID][p]; ok {
			continue
		}
		if _, ok := c.inFlight[bookID][p]; ok {
			continue
		}
		c.inFlight[bookID][p] = struct{}{}
		pages = append(pages, p)
	}
	return pages
}

func (c *Coordinator) markDone(bookID string, position int) {
	if c.done[bookID] == nil {
		c.done[bookID] = make(map[int]struct{})
	}
	c.done[bookID][position] = struct{}{}
}

func (c *Coordinator) maxDoneUpTo(bookID string, target int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	best := -1
	for p := range c.done[bookID] {
		if p <= target && p > best {
			best = p
		}
	}
	return best
}

// advanceTo moves the tracker forward, never backward. A best of -1 means
// nothing succeeded; fall back to the requested target.
func (c *Coordinator) advanceTo(bookID string, best, fallback int) {
	pos := best
	if pos < 0 {
		pos = fallback
	}
	if pos > c.tracker.Position(bookID) {
		c.tracker.SetPosition(bookID, pos)
	}
}

// CollapseWhitespace normalizes runs of whitespace to single spaces and
// trims the result.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
