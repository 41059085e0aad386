package gormstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Balance mirrors the balances table.
type Balance struct {
	UserID    string    `gorm:"primaryKey"`
	Amount    int64     `gorm:"not null;default:0;check:chk_balances_amount_non_negative,amount >= 0"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Balance) TableName() string { return "balances" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID       string         `gorm:"primaryKey"`
	UserID        string         `gorm:"not null;index:idx_ledger_entries_user_created,priority:1"`
	Kind          string         `gorm:"not null;check:chk_ledger_entries_kind,kind IN ('spend','top_up')"`
	Amount        int64          `gorm:"not null;check:chk_ledger_entries_amount_positive,amount > 0"`
	Status        string         `gorm:"not null;index:idx_ledger_entries_pending_lease,priority:1;check:chk_ledger_entries_status,status IN ('pending','settled','refunded')"`
	ActionKind    *string        `gorm:""`
	ResultRef     *string        `gorm:""`
	ExternalKey   *string        `gorm:"uniqueIndex:ledger_entries_external_key_key,where:external_key IS NOT NULL"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_ledger_entries_user_created,priority:2"`
	ResolvedAt    *time.Time     `gorm:""`
	ReservedUntil *time.Time     `gorm:"index:idx_ledger_entries_pending_lease,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// Models lists every table managed by this package.
func Models() []any {
	return []any{&Balance{}, &LedgerEntry{}}
}

// Migrate creates or updates the tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
