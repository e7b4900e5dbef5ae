package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"

	"magsd/backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Option func(*Store)

// WithoutLayawayFields treats the optional layaway columns as absent even if
// the database has them.
func WithoutLayawayFields() Option {
	return func(s *Store) {
		s.caps.disabled = true
	}
}

type Store struct {
	db   *sql.DB
	q    queryer
	tx   *sql.Tx
	caps *capabilities
}

func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, q: db, caps: &capabilities{present: map[string]bool{}}}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.caps.probe(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("probe sales columns: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables and optional columns, then refreshes the
// column probe.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return s.caps.probe(ctx, s.db)
}

// RunInTx runs fn inside one read-committed transaction. Reads of sales and
// reservations made through the transactional store take row locks.
func (s *Store) RunInTx(ctx context.Context, fn func(repo store.Repository) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Store{db: s.db, q: tx, tx: tx, caps: s.caps}); err != nil {
		return err
	}
	return tx.Commit()
}

// withTx runs fn in the current transaction, or in a short one of its own.
func (s *Store) withTx(ctx context.Context, fn func(q queryer) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) lockClause() string {
	if s.tx != nil {
		return " FOR UPDATE"
	}
	return ""
}

// capabilities tracks which optional sales columns exist.
type capabilities struct {
	mu       sync.RWMutex
	present  map[string]bool
	disabled bool
}

func (c *capabilities) probe(ctx context.Context, q queryer) error {
	present := make(map[string]bool, len(store.LayawayFields))
	if !c.disabled {
		rows, err := q.QueryContext(ctx, `
			SELECT column_name
			FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = 'sales' AND column_name = ANY($1)
		`, store.LayawayFields)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			present[name] = true
		}
		if err := rows.Err(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.present = present
	c.mu.Unlock()

	if len(present) < len(store.LayawayFields) {
		log.Warn().Strs("present", keys(present)).Msg("sales table is missing optional layaway columns")
	}
	return nil
}

func (c *capabilities) has(field string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.present[field]
}

func (c *capabilities) missing(fields []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0)
	for _, f := range fields {
		if !c.present[f] {
			out = append(out, f)
		}
	}
	return out
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// translate maps postgres error codes onto store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23514":
		return fmt.Errorf("%w (%s): %w", store.ErrStockConstraint, pgErr.ConstraintName, err)
	case "23503":
		return fmt.Errorf("%w (%s): %w", store.ErrReferenced, pgErr.ConstraintName, err)
	case "23505":
		return fmt.Errorf("%w (%s): %w", store.ErrConflict, pgErr.ConstraintName, err)
	}
	return err
}

func isUndefinedColumn(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42703"
	}
	return false
}

func ensureAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
