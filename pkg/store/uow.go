package store

import (
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/redvm/redvm/pkg/observability"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// UnitOfWork is a scoped handle bound to one transaction. Callers either
// Commit on success or Rollback on any failure; Rollback after Commit is a
// no-op, so `defer uow.Rollback()` right after Begin is the intended shape.
type UnitOfWork struct {
	tx     *sql.Tx
	logger *zap.Logger
	done   bool

	VMs    *VMRepository
	Drives *DriveRepository
}

func newUnitOfWork(tx *sql.Tx, logger *zap.Logger) *UnitOfWork {
	return &UnitOfWork{
		tx:     tx,
		logger: logger,
		VMs:    &VMRepository{tx: tx},
		Drives: &DriveRepository{tx: tx},
	}
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.done {
		return fmt.Errorf("unit of work already finished")
	}
	u.done = true
	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	observability.StoreTransactionsTotal.WithLabelValues("committed").Inc()
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit.
func (u *UnitOfWork) Rollback() {
	if u.done {
		return
	}
	u.done = true
	observability.StoreTransactionsTotal.WithLabelValues("rolled_back").Inc()
	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		u.logger.Warn("Transaction rollback failed", zap.Error(err))
	}
}
