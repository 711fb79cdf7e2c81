// Package sqlite opens the instance store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/caio-sobreiro/dicomscp/persistence/sqlstore"
)

// Dialect is the SQLite flavour of the SQL store.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite",
	IDColumn:          "INTEGER PRIMARY KEY AUTOINCREMENT",
	IsUniqueViolation: isUniqueViolation,
}

// Open opens or creates the database at path. ":memory:" is accepted for
// tests.
func Open(ctx context.Context, path string) (*sqlstore.Store, error) {
	if path == "" {
		path = "dicomscp.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// ":memory:" databases exist per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	store, err := sqlstore.New(ctx, db, Dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
