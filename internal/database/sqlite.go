package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // driver: sqlite
)

// NewSQLite opens the agent's local cache database. An empty path keeps the
// database in memory, which only makes sense for tests and dry runs.
func NewSQLite(ctx context.Context, path string, log zerolog.Logger) (*sql.DB, error) {
	dsn := "file::memory:?cache=shared"
	if path != "" {
		dsn = fmt.Sprintf("file:%s?mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between autosave and sync.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	log.Info().Str("path", path).Msg("SQLite cache opened")
	return db, nil
}
