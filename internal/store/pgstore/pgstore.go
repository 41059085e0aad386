package pgstore

import (
	"context"
	_ "embed"
	"errors"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintExternalKey   = "ledger_entries_external_key_key"
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "entry"
	errorSubjectSchema      = "schema"
	errorSubjectTransaction = "transaction"
	errorSubjectHealth      = "health"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeDecrement      = "decrement"
	errorCodeDuplicate      = "duplicate"
	errorCodeEnsure         = "ensure"
	errorCodeGet            = "get"
	errorCodeIncrement      = "increment"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeListExpired    = "list_expired"
	errorCodePing           = "ping"
	errorCodeTransition     = "transition"

	sqlSelectBalance = `
		select amount from balances where user_id = $1
	`

	sqlDecrementBalance = `
		update balances
		set amount = amount - $2, updated_at = to_timestamp($3::bigint)
		where user_id = $1 and amount >= $2
		returning amount
	`

	sqlIncrementBalance = `
		insert into balances(user_id, amount, updated_at) values($1, $2, to_timestamp($3::bigint))
		on conflict (user_id) do update set amount = balances.amount + excluded.amount, updated_at = excluded.updated_at
		returning amount
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, user_id, kind, amount, status, action_kind, result_ref, external_key,
			metadata, created_at, resolved_at, reserved_until
		)
		values(
			$1, $2, $3, $4, $5,
			nullif($6,''), nullif($7,''), nullif($8,''),
			coalesce(nullif($9,''),'{}')::jsonb,
			to_timestamp($10::bigint),
			to_timestamp(nullif($11::bigint,0)),
			to_timestamp(nullif($12::bigint,0))
		)
	`

	entryColumns = `
		entry_id,
		user_id,
		kind,
		amount,
		status,
		coalesce(action_kind,''),
		coalesce(result_ref,''),
		coalesce(external_key,''),
		metadata::text,
		extract(epoch from created_at)::bigint,
		coalesce(extract(epoch from resolved_at)::bigint,0),
		coalesce(extract(epoch from reserved_until)::bigint,0)
	`

	sqlSelectEntryForUpdate = `select` + entryColumns + `
		from ledger_entries
		where entry_id = $1
		for update
	`

	sqlTransitionEntry = `
		update ledger_entries
		set status = $3, result_ref = coalesce(nullif($4,''), result_ref), resolved_at = to_timestamp($5::bigint)
		where entry_id = $1 and kind = 'spend' and status = $2
	`

	sqlListEntriesBefore = `select` + entryColumns + `
		from ledger_entries
		where user_id = $1
		and (created_at < to_timestamp($2::bigint) or (created_at = to_timestamp($2::bigint) and entry_id < $3))
		order by created_at desc, entry_id desc
		limit $4
	`

	sqlListExpiredReservations = `select` + entryColumns + `
		from ledger_entries
		where status = 'pending' and kind = 'spend'
		and reserved_until is not null and reserved_until <= to_timestamp($1::bigint)
		order by reserved_until asc
		limit $2
	`
)

//go:embed schema.sql
var schemaSQL string

// querier is the subset of pgx shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	queries
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
	queries
}

type queries struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool}}
}

// EnsureSchema creates the tables and indexes when missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, ledger.Unavailable(err))
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, ledger.Unavailable(err))
	}
	transactionStore := &TxStore{tx: tx, queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, ledger.Unavailable(err))
	}
	return nil
}

// Ping checks that the pool can reach the database.
func (store *Store) Ping(ctx context.Context) error {
	if err := store.pool.Ping(ctx); err != nil {
		return wrapStoreError(errorSubjectHealth, errorCodePing, ledger.Unavailable(err))
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (q queries) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Tokens, error) {
	var amount int64
	err := q.db.QueryRow(ctx, sqlSelectBalance, userID.String()).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.Unavailable(err))
	}
	return parseBalance(amount)
}

func (q queries) TryDecrement(ctx context.Context, userID ledger.UserID, amount ledger.TokenAmount, atUnixUTC int64) (ledger.Tokens, error) {
	var remaining int64
	err := q.db.QueryRow(ctx, sqlDecrementBalance, userID.String(), amount.Int64(), atUnixUTC).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDecrement, ledger.ErrNotEnoughTokens)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDecrement, ledger.Unavailable(err))
	}
	return parseBalance(remaining)
}

func (q queries) Increment(ctx context.Context, userID ledger.UserID, amount ledger.TokenAmount, atUnixUTC int64) (ledger.Tokens, error) {
	var total int64
	err := q.db.QueryRow(ctx, sqlIncrementBalance, userID.String(), amount.Int64(), atUnixUTC).Scan(&total)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeIncrement, ledger.Unavailable(err))
	}
	return parseBalance(total)
}

func (q queries) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	externalKey := ""
	if key, ok := entry.ExternalKey(); ok {
		externalKey = key.String()
	}
	_, err := q.db.Exec(ctx, sqlInsertEntry,
		entry.ID().String(),
		entry.UserID().String(),
		entry.Kind().String(),
		entry.Amount().Int64(),
		entry.Status().String(),
		entry.ActionKind().String(),
		entry.ResultRef().String(),
		externalKey,
		entry.Metadata().String(),
		entry.CreatedUnixUTC(),
		entry.ResolvedUnixUTC(),
		entry.ReservedUntilUnixUTC(),
	)
	if isExternalKeyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateExternalEvent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, ledger.Unavailable(err))
	}
	return nil
}

func (q queries) GetEntry(ctx context.Context, entryID ledger.EntryID) (ledger.Entry, error) {
	rows, err := q.db.Query(ctx, sqlSelectEntryForUpdate, entryID.String())
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.Unavailable(err))
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	if len(entries) == 0 {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrChargeNotFound)
	}
	return entries[0], nil
}

func (q queries) TransitionEntry(ctx context.Context, transition ledger.EntryTransition) error {
	resultRef := ""
	if transition.To == ledger.EntryStatusSettled {
		resultRef = transition.ResultRef.String()
	}
	tag, err := q.db.Exec(ctx, sqlTransitionEntry,
		transition.EntryID.String(),
		transition.From.String(),
		transition.To.String(),
		resultRef,
		transition.ResolvedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeTransition, ledger.Unavailable(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeTransition, ledger.ErrEntryStatusConflict)
	}
	return nil
}

func (q queries) ListEntries(ctx context.Context, userID ledger.UserID, cursor ledger.EntryCursor, limit int) ([]ledger.Entry, error) {
	rows, err := q.db.Query(ctx, sqlListEntriesBefore, userID.String(), cursor.BeforeUnixUTC, cursor.BeforeEntryID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, ledger.Unavailable(err))
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (q queries) ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]ledger.Entry, error) {
	rows, err := q.db.Query(ctx, sqlListExpiredReservations, atUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeListExpired, ledger.Unavailable(err))
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func parseBalance(amount int64) (ledger.Tokens, error) {
	balance, err := ledger.NewTokens(amount)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, 16)
	for rows.Next() {
		var (
			entryIDValue     string
			userIDValue      string
			kindValue        string
			amountValue      int64
			statusValue      string
			actionKindValue  string
			resultRefValue   string
			externalKeyValue string
			metadataValue    string
			createdUnixUTC   int64
			resolvedUnixUTC  int64
			reservedUnixUTC  int64
		)
		if err := rows.Scan(
			&entryIDValue,
			&userIDValue,
			&kindValue,
			&amountValue,
			&statusValue,
			&actionKindValue,
			&resultRefValue,
			&externalKeyValue,
			&metadataValue,
			&createdUnixUTC,
			&resolvedUnixUTC,
			&reservedUnixUTC,
		); err != nil {
			return nil, ledger.Unavailable(err)
		}
		fields := ledger.EntryFields{
			CreatedUnixUTC:       createdUnixUTC,
			ResolvedUnixUTC:      resolvedUnixUTC,
			ReservedUntilUnixUTC: reservedUnixUTC,
		}
		var err error
		if fields.ID, err = ledger.NewEntryID(entryIDValue); err != nil {
			return nil, err
		}
		if fields.UserID, err = ledger.NewUserID(userIDValue); err != nil {
			return nil, err
		}
		if fields.Kind, err = ledger.ParseEntryKind(kindValue); err != nil {
			return nil, err
		}
		if fields.Amount, err = ledger.NewTokenAmount(amountValue); err != nil {
			return nil, err
		}
		if fields.Status, err = ledger.ParseEntryStatus(statusValue); err != nil {
			return nil, err
		}
		if actionKindValue != "" {
			if fields.ActionKind, err = ledger.NewActionKind(actionKindValue); err != nil {
				return nil, err
			}
		}
		if fields.ResultRef, err = ledger.NewResultRef(resultRefValue); err != nil {
			return nil, err
		}
		if externalKeyValue != "" {
			if fields.ExternalKey, err = ledger.NewExternalKey(externalKeyValue); err != nil {
				return nil, err
			}
		}
		if fields.Metadata, err = ledger.NewMetadataJSON(metadataValue); err != nil {
			return nil, err
		}
		entry, err := ledger.NewEntry(fields)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Unavailable(err)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isExternalKeyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintExternalKey
	}
	return false
}
