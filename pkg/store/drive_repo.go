package store

import (
	"context"
	"database/sql"
	"fmt"
)

// DriveRepository exposes hard_drives operations scoped to one transaction.
type DriveRepository struct {
	tx *sql.Tx
}

// Add inserts a drive row owned by vmID and returns the assigned id.
func (r *DriveRepository) Add(ctx context.Context, vmID int64, size int) (int64, error) {
	res, err := r.tx.ExecContext(ctx,
		"INSERT INTO hard_drives (vm_id, size) VALUES (?, ?)",
		vmID, size)
	if err != nil {
		return 0, fmt.Errorf("insert drive for vm %d: %w", vmID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read assigned drive id: %w", err)
	}
	return id, nil
}

// Remove deletes a drive row by id. Removing an absent id is a no-op.
func (r *DriveRepository) Remove(ctx context.Context, driveID int64) error {
	if _, err := r.tx.ExecContext(ctx,
		"DELETE FROM hard_drives WHERE id = ?", driveID); err != nil {
		return fmt.Errorf("delete drive %d: %w", driveID, err)
	}
	return nil
}

// Update writes a new size by drive id. Updating an absent id is a silent
// no-op at this layer.
func (r *DriveRepository) Update(ctx context.Context, driveID int64, size int) error {
	if _, err := r.tx.ExecContext(ctx,
		"UPDATE hard_drives SET size = ? WHERE id = ?", size, driveID); err != nil {
		return fmt.Errorf("update drive %d: %w", driveID, err)
	}
	return nil
}

// ListForVM returns the drives owned by vmID.
func (r *DriveRepository) ListForVM(ctx context.Context, vmID int64) ([]DriveRecord, error) {
	rows, err := r.tx.QueryContext(ctx,
		"SELECT id, vm_id, size FROM hard_drives WHERE vm_id = ? ORDER BY id", vmID)
	if err != nil {
		return nil, fmt.Errorf("list drives for vm %d: %w", vmID, err)
	}
	defer rows.Close()

	var records []DriveRecord
	for rows.Next() {
		var rec DriveRecord
		if err := rows.Scan(&rec.ID, &rec.VMID, &rec.Size); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListAll returns every drive joined with its owning VM's ram/cpu.
func (r *DriveRepository) ListAll(ctx context.Context) ([]DriveReport, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT hd.id, hd.vm_id, hd.size, vm.ram, vm.cpu
		FROM hard_drives hd
		LEFT JOIN virtual_machines vm ON hd.vm_id = vm.id
		ORDER BY hd.id`)
	if err != nil {
		return nil, fmt.Errorf("list all drives: %w", err)
	}
	defer rows.Close()

	var reports []DriveReport
	for rows.Next() {
		var rep DriveReport
		var ram, cpu sql.NullInt64
		if err := rows.Scan(&rep.ID, &rep.VMID, &rep.Size, &ram, &cpu); err != nil {
			return nil, err
		}
		if ram.Valid {
			v := int(ram.Int64)
			rep.RAM = &v
		}
		if cpu.Valid {
			v := int(cpu.Int64)
			rep.CPU = &v
		}
		reports = append(reports, rep)
	}
	return reports, rows.Err()
}
