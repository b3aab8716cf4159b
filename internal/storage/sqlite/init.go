package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const DefaultPath = "luafetch.db"

// InitDB opens the SQLite database at path and creates the states table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultPath
	}

	dsn := "file:" + path + "?" + url.Values{
		"_busy_timeout": {"5000"},
		"_journal_mode": {"WAL"},
	}.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// one writer keeps concurrent workers from tripping over SQLITE_BUSY
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS states (
		item_id INTEGER PRIMARY KEY,
		version INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create states table: %w", err)
	}

	return db, nil
}
