// Package store provides the SQL persistence layer. SQLite backs tests
// and single-node deployments; PostgreSQL backs production. Queries are
// written with ? placeholders and rebound per driver.
package store

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sitedoc/sitedoc/internal/common/config"
)

// Store provides persistence for customers, sites, issues, chat and
// agent accounting.
type Store struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// Open connects per the database configuration and initializes the schema.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return openSQLite(cfg.Path)
	case "postgres":
		return openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

func openSQLite(path string) (*Store, error) {
	if path == "" {
		path = "sitedoc.db"
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)

	writer, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; serializing through one connection
	// avoids SQLITE_BUSY under concurrent workers.
	writer.SetMaxOpenConns(1)

	reader, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	reader.SetMaxOpenConns(4)

	return newStore(writer, reader, true)
}

func openPostgres(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	return newStore(db, db, true)
}

// NewWithDB creates a store on existing connections (shared ownership).
// Used in tests.
func NewWithDB(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, false)
}

func newStore(writer, reader *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: writer, ro: reader, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			_ = writer.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connections.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	if s.ro != s.db {
		_ = s.ro.Close()
	}
	return s.db.Close()
}

// DB returns the underlying writer sql.DB instance for shared access.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// rebind translates ? placeholders into the connected driver's style.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}
