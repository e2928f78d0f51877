// Package store is the durable metadata store for VMs and their drives,
// backed by SQLite through database/sql. All mutation goes through a
// UnitOfWork bound to one transaction; the core depends only on the
// repository operations, not on the physical schema.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Config holds store configuration.
type Config struct {
	// Path is the database file path. Required unless using NewInMemory.
	Path string

	Logger *zap.Logger
}

// Validate validates the store configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

// Store owns the database handle and hands out units of work.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) the database at config.Path and applies
// the schema.
func Open(config Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := config.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: config.Logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	config.Logger.Info("Metadata store opened", zap.String("path", config.Path))
	return s, nil
}

// NewInMemory creates an in-memory store for testing.
func NewInMemory(logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	// A single connection keeps every unit of work on the same in-memory
	// database instance.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS virtual_machines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ram INTEGER NOT NULL,
		cpu INTEGER NOT NULL,
		is_connected INTEGER NOT NULL DEFAULT 0,
		last_connected TEXT
	);

	CREATE TABLE IF NOT EXISTS hard_drives (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		vm_id INTEGER NOT NULL REFERENCES virtual_machines(id) ON DELETE CASCADE,
		size INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_hard_drives_vm_id ON hard_drives(vm_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Begin starts a unit of work bound to a fresh transaction.
func (s *Store) Begin(ctx context.Context) (*UnitOfWork, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return newUnitOfWork(tx, s.logger), nil
}

// VMRecord is a row of virtual_machines.
type VMRecord struct {
	ID            int64
	RAM           int
	CPU           int
	IsConnected   bool
	LastConnected *time.Time
}

// DriveRecord is a row of hard_drives.
type DriveRecord struct {
	ID   int64
	VMID int64
	Size int
}

// DriveReport is a drive row joined with its owning VM's spec, used for
// fleet-wide reporting. RAM and CPU are nil when the owning VM row is gone.
type DriveReport struct {
	DriveRecord
	RAM *int
	CPU *int
}

const timeFormat = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func decodeTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse stored timestamp %q: %w", s.String, err)
	}
	return &t, nil
}
