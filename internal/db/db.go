package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"ebook-companion/internal/config"
)

// Book is a registered library entry.
type Book struct {
	bun.BaseModel `bun:"table:books,alias:b"`
	ID            string    `bun:"id,pk"`
	Title         string    `bun:"title,notnull"`
	Author        string    `bun:"author"`
	Kind          string    `bun:"kind,notnull"` // pdf, epub
	Path          string    `bun:"path,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// ReadingProgress persists the furthest extracted position per book so a
// reopened book resumes where the reader left off.
type ReadingProgress struct {
	bun.BaseModel `bun:"table:reading_progress,alias:rp"`
	BookID        string    `bun:"book_id,pk"`
	Position      int       `bun:"position,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

func ConnectDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	return sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(cfg.DSN),
		pgdriver.WithPassword(cfg.Password),
	)), nil
}

func InitDB(ctx context.Context, db *bun.DB) error {
	if _, err := db.NewCreateTable().Model((*Book)(nil)).IfNotExists().Exec(ctx); err != nil {
		return err
	}
	_, err := db.NewCreateTable().Model((*ReadingProgress)(nil)).IfNotExists().Exec(ctx)
	return err
}

func UpsertBook(ctx context.Context, db *bun.DB, book *Book) error {
	_, err := db.NewInsert().
		Model(book).
		On("CONFLICT (id) DO UPDATE").
		Set("title = EXCLUDED.title").
		Set("author = EXCLUDED.author").
		Set("path = EXCLUDED.path").
		Exec(ctx)
	return err
}

func GetBook(ctx context.Context, db *bun.DB, id string) (*Book, error) {
	book := new(Book)
	err := db.NewSelect().Model(book).Where("id = ?", id).Scan(ctx)
	if err != nil {
		return nil, err
	}
	return book, nil
}

func ListBooks(ctx context.Context, db *bun.DB) ([]Book, error) {
	var books []Book
	err := db.NewSelect().Model(&books).Order("created_at ASC").Scan(ctx)
	return books, err
}

func SaveProgress(ctx context.Context, db *bun.DB, bookID string, position int) error {
	progress := &ReadingProgress{
		BookID:    bookID,
		Position:  position,
		UpdatedAt: time.Now(),
	}
	_, err := db.NewInsert().
		Model(progress).
		On("CONFLICT (book_id) DO UPDATE").
		Set("position = EXCLUDED.position").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// GetProgress returns the saved position, or 0 when none exists.
func GetProgress(ctx context.Context, db *bun.DB, bookID string) (int, error) {
	progress := new(ReadingProgress)
	err := db.NewSelect().Model(progress).Where("book_id = ?", bookID).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return progress.Position, nil
}
