package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/forgeline/overseer/common/config"
	"github.com/forgeline/overseer/common/logger"
)

// Backend names
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// Store is the relational persistence layer. The same SQL surface runs on
// an embedded sqlite file and on a postgres server; statements are written
// with `?` placeholders and rebound per dialect.
type Store struct {
	db      *sqlx.DB
	backend string
	log     *logger.Logger
}

// Open connects to the configured backend and verifies the connection
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Store, error) {
	var (
		db  *sqlx.DB
		err error
	)

	switch cfg.Store.Backend {
	case BackendSQLite:
		db, err = openSQLite(cfg.Store.SQLitePath)
	case BackendPostgres:
		db, err = sqlx.Open("pgx", cfg.Store.DatabaseURL)
		if err == nil {
			db.SetMaxOpenConns(cfg.Store.MaxConns)
			db.SetConnMaxIdleTime(cfg.Store.MaxIdleTime)
		}
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s store: %w", cfg.Store.Backend, err)
	}

	log.Info("store connected", "backend", cfg.Store.Backend)

	return &Store{db: db, backend: cfg.Store.Backend, log: log}, nil
}

// openSQLite opens the embedded backend with write-ahead logging, foreign
// key enforcement, and a short busy timeout. The parent directory is
// created if needed.
func openSQLite(path string) (*sqlx.DB, error) {
	memory := path == ":memory:" || strings.HasPrefix(path, "file::memory:")

	if !memory {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
	}

	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}

	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", "5000")
	if memory {
		params.Set("mode", "memory")
		params.Set("cache", "shared")
	} else {
		params.Set("_journal_mode", "WAL")
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	db, err := sqlx.Open("sqlite3", dsn+sep+params.Encode())
	if err != nil {
		return nil, err
	}

	// A single connection keeps the single-writer semantics simple and is
	// required for shared in-memory databases.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Backend reports which backend this store runs on
func (s *Store) Backend() string {
	return s.backend
}

// DB exposes the underlying handle for migrations and tests
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the store
func (s *Store) Close() error {
	s.log.Info("closing store", "backend", s.backend)
	return s.db.Close()
}

// Health checks store health
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction, rolling back on error or panic
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// rebind adapts `?` placeholders to the backend's dialect
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}
