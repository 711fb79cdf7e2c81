// Package postgres opens the instance store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/caio-sobreiro/dicomscp/persistence/sqlstore"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/dicomscp?sslmode=disable"

	uniqueViolation = "23505"
)

// Dialect is the PostgreSQL flavour of the SQL store.
var Dialect = sqlstore.Dialect{
	Name:                 "postgres",
	IDColumn:             "BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY",
	NumberedPlaceholders: true,
	IsUniqueViolation:    isUniqueViolation,
}

// Open connects using dsn, falling back to a local default.
func Open(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open(defaultDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store, err := sqlstore.New(ctx, db, Dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
