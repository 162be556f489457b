package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Open connects to the database named by databaseURL. URLs with a
// postgres scheme go through pgx; everything else is treated as a
// SQLite path, with an optional sqlite:// prefix.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	driver, dsn := resolveDriver(databaseURL)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == "sqlite" {
		// modernc gives every pool connection its own :memory:
		// database, and file databases allow a single writer.
		db.SetMaxOpenConns(1)
	} else {
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetMaxIdleConns(10)
		db.SetMaxOpenConns(20)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

func resolveDriver(databaseURL string) (string, string) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return "pgx", databaseURL
	}
	path := strings.TrimPrefix(databaseURL, "sqlite://")
	if path == ":memory:" {
		return "sqlite", "file::memory:?_pragma=foreign_keys(1)"
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	return "sqlite", "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}
