package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintExternalKey   = "ledger_entries_external_key_key"
	columnExternalKey       = "external_key"
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "entry"
	errorSubjectTransaction = "transaction"
	errorSubjectHealth      = "health"
	errorCodeBegin          = "begin"
	errorCodeDecrement      = "decrement"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeIncrement      = "increment"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeListExpired    = "list_expired"
	errorCodePing           = "ping"
	errorCodeTransition     = "transition"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	var fnErr error
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		fnErr = fn(ctx, &Store{db: transaction})
		return fnErr
	})
	if err != nil && fnErr == nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, ledger.Unavailable(err))
	}
	return err
}

// Ping checks that the database answers.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return wrapStoreError(errorSubjectHealth, errorCodePing, ledger.Unavailable(err))
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return wrapStoreError(errorSubjectHealth, errorCodePing, ledger.Unavailable(err))
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Tokens, error) {
	var rows []Balance
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.Unavailable(err))
	}
	if len(rows) == 0 {
		return 0, nil
	}
	balance, err := ledger.NewTokens(rows[0].Amount)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

// TryDecrement runs a single conditional UPDATE. Callers run it inside WithTx so the
// follow-up read sees the row this transaction just locked.
func (store *Store) TryDecrement(ctx context.Context, userID ledger.UserID, amount ledger.TokenAmount, atUnixUTC int64) (ledger.Tokens, error) {
	result := store.db.WithContext(ctx).
		Model(&Balance{}).
		Where("user_id = ? AND amount >= ?", userID.String(), amount.Int64()).
		Updates(map[string]interface{}{
			"amount":     gorm.Expr("amount - ?", amount.Int64()),
			"updated_at": unixToTime(atUnixUTC),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDecrement, ledger.Unavailable(result.Error))
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDecrement, ledger.ErrNotEnoughTokens)
	}
	return store.GetBalance(ctx, userID)
}

// Increment upserts the balance row and adds amount in one statement.
func (store *Store) Increment(ctx context.Context, userID ledger.UserID, amount ledger.TokenAmount, atUnixUTC int64) (ledger.Tokens, error) {
	row := Balance{
		UserID:    userID.String(),
		Amount:    amount.Int64(),
		UpdatedAt: unixToTime(atUnixUTC),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"amount":     gorm.Expr("balances.amount + excluded.amount"),
				"updated_at": gorm.Expr("excluded.updated_at"),
			}),
		}).
		Create(&row).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeIncrement, ledger.Unavailable(err))
	}
	return store.GetBalance(ctx, userID)
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	model := toModel(entry)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isExternalKeyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateExternalEvent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, ledger.Unavailable(err))
	}
	return nil
}

// GetEntry reads the entry with FOR UPDATE where the dialect supports row locks.
func (store *Store) GetEntry(ctx context.Context, entryID ledger.EntryID) (ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("entry_id = ?", entryID.String()).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.Unavailable(err))
	}
	if len(rows) == 0 {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrChargeNotFound)
	}
	entry, err := mapLedgerEntry(rows[0])
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) TransitionEntry(ctx context.Context, transition ledger.EntryTransition) error {
	updates := map[string]interface{}{
		"status":      transition.To.String(),
		"resolved_at": unixToTime(transition.ResolvedUnixUTC),
	}
	if transition.To == ledger.EntryStatusSettled {
		updates["result_ref"] = optionalString(transition.ResultRef.String())
	}
	result := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("entry_id = ? AND kind = ? AND status = ?", transition.EntryID.String(), ledger.EntryKindSpend.String(), transition.From.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeTransition, ledger.Unavailable(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeTransition, ledger.ErrEntryStatusConflict)
	}
	return nil
}

// ListEntries pages on (created_at, entry_id). An empty cursor id matches no id in the cursor's own second.
func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, cursor ledger.EntryCursor, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	before := unixToTime(cursor.BeforeUnixUTC)
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Where("(created_at < ? OR (created_at = ? AND entry_id < ?))", before, before, cursor.BeforeEntryID.String()).
		Order("created_at DESC").
		Order("entry_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, ledger.Unavailable(err))
	}
	return mapLedgerEntries(rows)
}

func (store *Store) ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("status = ? AND kind = ?", ledger.EntryStatusPending.String(), ledger.EntryKindSpend.String()).
		Where("reserved_until IS NOT NULL AND reserved_until <= ?", unixToTime(atUnixUTC)).
		Order("reserved_until ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeListExpired, ledger.Unavailable(err))
	}
	return mapLedgerEntries(rows)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func toModel(entry ledger.Entry) LedgerEntry {
	model := LedgerEntry{
		EntryID:    entry.ID().String(),
		UserID:     entry.UserID().String(),
		Kind:       entry.Kind().String(),
		Amount:     entry.Amount().Int64(),
		Status:     entry.Status().String(),
		ActionKind: optionalString(entry.ActionKind().String()),
		ResultRef:  optionalString(entry.ResultRef().String()),
		Metadata:   datatypesJSON(entry.Metadata().String()),
		CreatedAt:  unixToTime(entry.CreatedUnixUTC()),
	}
	if externalKey, ok := entry.ExternalKey(); ok {
		model.ExternalKey = optionalString(externalKey.String())
	}
	model.ResolvedAt = optionalTime(entry.ResolvedUnixUTC())
	model.ReservedUntil = optionalTime(entry.ReservedUntilUnixUTC())
	return model
}

func mapLedgerEntries(rows []LedgerEntry) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Entry{}, err
	}
	kind, err := ledger.ParseEntryKind(row.Kind)
	if err != nil {
		return ledger.Entry{}, err
	}
	status, err := ledger.ParseEntryStatus(row.Status)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewTokenAmount(row.Amount)
	if err != nil {
		return ledger.Entry{}, err
	}
	var actionKind ledger.ActionKind
	if row.ActionKind != nil {
		if actionKind, err = ledger.NewActionKind(*row.ActionKind); err != nil {
			return ledger.Entry{}, err
		}
	}
	resultRef, err := ledger.NewResultRef(stringOrEmpty(row.ResultRef))
	if err != nil {
		return ledger.Entry{}, err
	}
	var externalKey ledger.ExternalKey
	if row.ExternalKey != nil {
		if externalKey, err = ledger.NewExternalKey(*row.ExternalKey); err != nil {
			return ledger.Entry{}, err
		}
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.NewEntry(ledger.EntryFields{
		ID:                   entryID,
		UserID:               userID,
		Kind:                 kind,
		Amount:               amount,
		Status:               status,
		ActionKind:           actionKind,
		ResultRef:            resultRef,
		ExternalKey:          externalKey,
		Metadata:             metadata,
		CreatedUnixUTC:       row.CreatedAt.Unix(),
		ResolvedUnixUTC:      timeOrZero(row.ResolvedAt),
		ReservedUntilUnixUTC: timeOrZero(row.ReservedUntil),
	})
}

func unixToTime(unixUTC int64) time.Time {
	return time.Unix(unixUTC, 0).UTC()
}

func optionalTime(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := unixToTime(unixUTC)
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isExternalKeyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintExternalKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode && strings.Contains(sqliteErr.Error(), columnExternalKey)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return strings.Contains(err.Error(), columnExternalKey)
	}
	return false
}
