package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	"ebook-companion/internal/assistant"
	"ebook-companion/internal/config"
	"ebook-companion/internal/contextstore"
	"ebook-companion/internal/db"
	"ebook-companion/internal/progress"
	"ebook-companion/internal/recall"
	"ebook-companion/internal/server"
)

const configFilePath = "./configs/config.yaml"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Caller().Logger()

	configPath := flag.String("config", configFilePath, "Path to the config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}

	store := contextstore.New()
	tracker := progress.NewTracker()
	gateway := assistant.NewHTTPGateway(&cfg.Assistant)

	var recallIndex *recall.Index
	if cfg.EmbedLLM.BaseURL != "" {
		recallIndex, err = recall.NewIndex(store, &cfg.EmbedLLM)
		if err != nil {
			log.Fatal().Err(err).Msg("Error initializing recall index")
		}
	}

	database := connectDatabase(cfg)

	srv := server.New(cfg, store, tracker, gateway, recallIndex, database)
	log.Info().Str("addr", cfg.Server.Addr).Msg("Starting server")
	if err := srv.Run(); err != nil {
		log.Fatal().Err(err).Msg("Server exited")
	}
}

// connectDatabase is best-effort: without a configured DSN the server runs
// with in-memory state only.
func connectDatabase(cfg *config.Config) *bun.DB {
	if cfg.Database.DSN == "" {
		log.Info().Msg("No database configured, progress will not be persisted")
		return nil
	}

	sqldb, err := db.ConnectDB(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Error connecting to database")
	}
	database := db.NewDB(sqldb, cfg.Database.Debug)

	if err := db.InitDB(context.Background(), database); err != nil {
		log.Fatal().Err(err).Msg("Error initializing database")
	}
	return database
}
