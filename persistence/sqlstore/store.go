// Package sqlstore implements instance.Store on database/sql. Driver
// specifics are supplied by a Dialect; see the sqlite and postgres
// packages.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caio-sobreiro/dicomscp/instance"
)

// Dialect adapts the store to one SQL engine.
type Dialect struct {
	Name string
	// IDColumn is the column definition of the generated primary key.
	IDColumn string
	// Numbered placeholders ($1, $2, ...) instead of ?.
	NumberedPlaceholders bool
	// IsUniqueViolation recognises a unique index failure.
	IsUniqueViolation func(error) bool
}

const table = "dicom_receivers"

const columns = `ae_title, port, identifier, file_namer, enabled, custom_processing,
	direct_archive, anonymization_enabled, whitelist_enabled, whitelist,
	routing_enabled, project_routing, subject_routing, session_routing,
	created, last_modified`

// Store is an instance.Store over a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var _ instance.Store = (*Store)(nil)

// New creates the schema if needed and returns the store. The store owns
// db and closes it in Close.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			id ` + s.dialect.IDColumn + `,
			ae_title TEXT NOT NULL,
			port INTEGER NOT NULL,
			identifier TEXT NOT NULL DEFAULT '',
			file_namer TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL,
			custom_processing BOOLEAN NOT NULL,
			direct_archive BOOLEAN NOT NULL,
			anonymization_enabled BOOLEAN NOT NULL,
			whitelist_enabled BOOLEAN NOT NULL,
			whitelist TEXT NOT NULL DEFAULT '[]',
			routing_enabled BOOLEAN NOT NULL,
			project_routing TEXT NOT NULL DEFAULT '',
			subject_routing TEXT NOT NULL DEFAULT '',
			session_routing TEXT NOT NULL DEFAULT '',
			created BIGINT NOT NULL,
			last_modified BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + table + `_enabled_key
			ON ` + table + ` (ae_title, port) WHERE enabled`,
		`CREATE INDEX IF NOT EXISTS ` + table + `_port ON ` + table + ` (port)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: migrate: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// DB exposes the underlying database for tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) rebind(query string) string {
	if !s.dialect.NumberedPlaceholders {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Save(ctx context.Context, inst instance.Instance) (instance.Instance, error) {
	if inst.ID == 0 {
		return s.insert(ctx, s.db, inst, s.now())
	}

	whitelist, err := encodeWhitelist(inst.Whitelist)
	if err != nil {
		return instance.Instance{}, err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE `+table+` SET
		ae_title = ?, port = ?, identifier = ?, file_namer = ?, enabled = ?,
		custom_processing = ?, direct_archive = ?, anonymization_enabled = ?,
		whitelist_enabled = ?, whitelist = ?, routing_enabled = ?,
		project_routing = ?, subject_routing = ?, session_routing = ?,
		last_modified = ?
		WHERE id = ?`),
		inst.AETitle, inst.Port, inst.IdentifierStrategy, inst.FileNamerStrategy, inst.Enabled,
		inst.CustomProcessing, inst.DirectArchive, inst.AnonymizationEnabled,
		inst.WhitelistEnabled, whitelist, inst.RoutingExpressionsEnabled,
		inst.ProjectRoutingExpression, inst.SubjectRoutingExpression, inst.SessionRoutingExpression,
		s.now().UnixMilli(), inst.ID)
	if err != nil {
		return instance.Instance{}, s.translate(err, inst)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return instance.Instance{}, fmt.Errorf("%w: id %d", instance.ErrNotFound, inst.ID)
	}
	return s.Get(ctx, inst.ID)
}

func (s *Store) insert(ctx context.Context, q execer, inst instance.Instance, now time.Time) (instance.Instance, error) {
	whitelist, err := encodeWhitelist(inst.Whitelist)
	if err != nil {
		return instance.Instance{}, err
	}
	ms := now.UnixMilli()
	var id int64
	err = q.QueryRowContext(ctx, s.rebind(`INSERT INTO `+table+` (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		inst.AETitle, inst.Port, inst.IdentifierStrategy, inst.FileNamerStrategy, inst.Enabled,
		inst.CustomProcessing, inst.DirectArchive, inst.AnonymizationEnabled,
		inst.WhitelistEnabled, whitelist, inst.RoutingExpressionsEnabled,
		inst.ProjectRoutingExpression, inst.SubjectRoutingExpression, inst.SessionRoutingExpression,
		ms, ms).Scan(&id)
	if err != nil {
		return instance.Instance{}, s.translate(err, inst)
	}

	out := inst.Clone()
	out.ID = id
	out.Created = time.UnixMilli(ms).UTC()
	out.LastModified = out.Created
	return out, nil
}

func (s *Store) translate(err error, inst instance.Instance) error {
	if s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", instance.ErrDuplicateKey, inst.Key())
	}
	return fmt.Errorf("%s: %w", s.dialect.Name, err)
}

func (s *Store) Get(ctx context.Context, id int64) (instance.Instance, error) {
	insts, err := s.query(ctx, `WHERE id = ?`, id)
	if err != nil {
		return instance.Instance{}, err
	}
	if len(insts) == 0 {
		return instance.Instance{}, fmt.Errorf("%w: id %d", instance.ErrNotFound, id)
	}
	return insts[0], nil
}

// GetByTitleAndPort returns the enabled instance for the pair.
func (s *Store) GetByTitleAndPort(ctx context.Context, aeTitle string, port int) (instance.Instance, error) {
	insts, err := s.query(ctx, `WHERE ae_title = ? AND port = ? AND enabled`, aeTitle, port)
	if err != nil {
		return instance.Instance{}, err
	}
	if len(insts) == 0 {
		return instance.Instance{}, fmt.Errorf("%w: %s:%d", instance.ErrNotFound, aeTitle, port)
	}
	return insts[0], nil
}

func (s *Store) List(ctx context.Context) ([]instance.Instance, error) {
	return s.query(ctx, ``)
}

func (s *Store) ListEnabledByPort(ctx context.Context, port int) ([]instance.Instance, error) {
	return s.query(ctx, `WHERE port = ? AND enabled`, port)
}

func (s *Store) EnabledPorts(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT port FROM `+table+` WHERE enabled ORDER BY port`)
	if err != nil {
		return nil, fmt.Errorf("%s: select ports: %w", s.dialect.Name, err)
	}
	defer func() { _ = rows.Close() }()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("%s: scan port: %w", s.dialect.Name, err)
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// Delete removes the given instances. Unknown IDs are ignored.
func (s *Store) Delete(ctx context.Context, ids ...int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM `+table+` WHERE id = ?`), id); err != nil {
				return fmt.Errorf("%s: delete %d: %w", s.dialect.Name, id, err)
			}
		}
		return nil
	})
}

func (s *Store) ReplaceAll(ctx context.Context, insts []instance.Instance) ([]instance.Instance, error) {
	out := make([]instance.Instance, 0, len(insts))
	now := s.now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("%s: clear: %w", s.dialect.Name, err)
		}
		for _, inst := range insts {
			saved, err := s.insert(ctx, tx, inst, now)
			if err != nil {
				return err
			}
			out = append(out, saved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", s.dialect.Name, err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) query(ctx context.Context, where string, args ...any) ([]instance.Instance, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, `+columns+` FROM `+table+` `+where+` ORDER BY id`), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: select: %w", s.dialect.Name, err)
	}
	defer func() { _ = rows.Close() }()

	var out []instance.Instance
	for rows.Next() {
		var (
			inst              instance.Instance
			whitelist         string
			created, modified int64
		)
		if err := rows.Scan(&inst.ID, &inst.AETitle, &inst.Port, &inst.IdentifierStrategy, &inst.FileNamerStrategy,
			&inst.Enabled, &inst.CustomProcessing, &inst.DirectArchive, &inst.AnonymizationEnabled,
			&inst.WhitelistEnabled, &whitelist, &inst.RoutingExpressionsEnabled,
			&inst.ProjectRoutingExpression, &inst.SubjectRoutingExpression, &inst.SessionRoutingExpression,
			&created, &modified); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", s.dialect.Name, err)
		}
		if err := json.Unmarshal([]byte(whitelist), &inst.Whitelist); err != nil {
			return nil, fmt.Errorf("%s: decode whitelist of %d: %w", s.dialect.Name, inst.ID, err)
		}
		if len(inst.Whitelist) == 0 {
			inst.Whitelist = nil
		}
		inst.Created = time.UnixMilli(created).UTC()
		inst.LastModified = time.UnixMilli(modified).UTC()
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", s.dialect.Name, err)
	}
	return out, nil
}

func encodeWhitelist(list []string) (string, error) {
	if len(list) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", errors.Join(errors.New("encode whitelist"), err)
	}
	return string(b), nil
}
