package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ebook-companion/internal/assistant"
	"ebook-companion/internal/chat"
	"ebook-companion/internal/config"
	"ebook-companion/internal/contextstore"
	"ebook-companion/internal/extract"
	"ebook-companion/internal/models"
	"ebook-companion/internal/progress"
)

// companion opens a book on the command line, extracts up to a reading
// position, and chats about what has been read so far.
func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	filePath := flag.String("file", "", "Path to the PDF or EPUB file")
	page := flag.Int("page", 0, "Page read up to (PDF)")
	fraction := flag.Float64("fraction", 0, "Fraction read so far in [0, 1] (EPUB)")
	assistantURL := flag.String("assistant", "http://localhost:11435/api/chat", "Assistant endpoint URL")
	assistantKey := flag.String("key", "", "Assistant API key")
	title := flag.String("title", "", "Book title (defaults to file name)")
	flag.Parse()

	if *filePath == "" {
		log.Fatal().Msg("Please provide a book file using the -file flag")
	}

	ctx := context.Background()
	store := contextstore.New()
	tracker := progress.NewTracker()
	coordinator := extract.NewCoordinator(store, tracker)

	book := models.BookInfo{ID: "cli", Title: *title}
	if book.Title == "" {
		book.Title = strings.TrimSuffix(filepath.Base(*filePath), filepath.Ext(*filePath))
	}

	switch strings.ToLower(filepath.Ext(*filePath)) {
	case ".pdf":
		doc, err := extract.OpenPDF(*filePath)
		if err != nil {
			log.Fatal().Err(err).Msg("Error opening PDF")
		}
		defer doc.Close()
		if *page < 1 {
			log.Fatal().Msg("Please provide -page for PDF files")
		}
		coordinator.ExtractToPage(ctx, book.ID, doc, *page)
	case ".epub":
		doc, err := extract.OpenEPUB(*filePath)
		if err != nil {
			log.Fatal().Err(err).Msg("Error opening EPUB")
		}
		defer doc.Close()
		if doc.Title() != "" && *title == "" {
			book.Title = doc.Title()
		}
		book.Author = doc.Author()
		// Capture every whole percent up to the target so the context
		// covers the full read range, not just the last viewport.
		target := models.PercentBucket(*fraction).Value
		for p := 0; p <= target; p++ {
			coordinator.CaptureViewport(ctx, book.ID, doc, float64(p)/100)
		}
	default:
		log.Fatal().Msgf("Unsupported file format: %s", filepath.Ext(*filePath))
	}

	log.Info().Int("position", tracker.Position(book.ID)).Msg("Extraction complete")

	gateway := assistant.NewHTTPGateway(&config.AssistantConfig{URL: *assistantURL, Key: *assistantKey})
	session := chat.NewSession(book, store, tracker, gateway)

	runInteractiveMode(ctx, session)
}

func runInteractiveMode(ctx context.Context, session *chat.Session) {
	scanner := bufio.NewScanner(os.Stdin)

	fmt.Printf("Reading companion for %q - ask about what you've read (type 'exit' to quit)\n", session.Book().Title)

	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		if question == "exit" || question == "quit" {
			break
		}

		_, err := session.Send(ctx, question, nil, func(token string) {
			fmt.Print(token)
		})
		fmt.Println()
		if err != nil {
			log.Error().Msg(session.Err())
		}
	}
}
