package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// VMRepository exposes virtual_machines operations scoped to one
// transaction.
type VMRepository struct {
	tx *sql.Tx
}

// Add inserts a VM row and returns the assigned id.
func (r *VMRepository) Add(ctx context.Context, ram, cpu int) (int64, error) {
	res, err := r.tx.ExecContext(ctx,
		"INSERT INTO virtual_machines (ram, cpu, is_connected) VALUES (?, ?, 0)",
		ram, cpu)
	if err != nil {
		return 0, fmt.Errorf("insert vm: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read assigned vm id: %w", err)
	}
	return id, nil
}

// Get fetches a VM row by id. Returns ErrNotFound if absent.
func (r *VMRepository) Get(ctx context.Context, vmID int64) (*VMRecord, error) {
	row := r.tx.QueryRowContext(ctx,
		"SELECT id, ram, cpu, is_connected, last_connected FROM virtual_machines WHERE id = ?",
		vmID)
	rec, err := scanVM(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("vm %d: %w", vmID, ErrNotFound)
	}
	return rec, err
}

// Update writes new ram/cpu values.
func (r *VMRepository) Update(ctx context.Context, vmID int64, ram, cpu int) error {
	if _, err := r.tx.ExecContext(ctx,
		"UPDATE virtual_machines SET ram = ?, cpu = ? WHERE id = ?",
		ram, cpu, vmID); err != nil {
		return fmt.Errorf("update vm %d: %w", vmID, err)
	}
	return nil
}

// UpdateConnectionTime stamps the last successful connection and flags the
// row connected.
func (r *VMRepository) UpdateConnectionTime(ctx context.Context, vmID int64, t time.Time) error {
	if _, err := r.tx.ExecContext(ctx,
		"UPDATE virtual_machines SET is_connected = 1, last_connected = ? WHERE id = ?",
		encodeTime(t), vmID); err != nil {
		return fmt.Errorf("update vm %d connection time: %w", vmID, err)
	}
	return nil
}

// SetConnected writes the persisted connection flag.
func (r *VMRepository) SetConnected(ctx context.Context, vmID int64, connected bool) error {
	if _, err := r.tx.ExecContext(ctx,
		"UPDATE virtual_machines SET is_connected = ? WHERE id = ?",
		connected, vmID); err != nil {
		return fmt.Errorf("update vm %d connection flag: %w", vmID, err)
	}
	return nil
}

// ListAll returns every VM row.
func (r *VMRepository) ListAll(ctx context.Context) ([]VMRecord, error) {
	return r.list(ctx,
		"SELECT id, ram, cpu, is_connected, last_connected FROM virtual_machines")
}

// ListConnected returns the rows whose persisted connection flag is set: the
// last-known-connected set as of the previous manager run.
func (r *VMRepository) ListConnected(ctx context.Context) ([]VMRecord, error) {
	return r.list(ctx,
		"SELECT id, ram, cpu, is_connected, last_connected FROM virtual_machines WHERE is_connected = 1")
}

func (r *VMRepository) list(ctx context.Context, query string) ([]VMRecord, error) {
	rows, err := r.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	defer rows.Close()

	var records []VMRecord
	for rows.Next() {
		rec, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVM(row rowScanner) (*VMRecord, error) {
	var rec VMRecord
	var connected int
	var last sql.NullString
	if err := row.Scan(&rec.ID, &rec.RAM, &rec.CPU, &connected, &last); err != nil {
		return nil, err
	}
	rec.IsConnected = connected != 0
	t, err := decodeTime(last)
	if err != nil {
		return nil, err
	}
	rec.LastConnected = t
	return &rec, nil
}
