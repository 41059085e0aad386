package ledger

import "context"

// BalanceStore holds one non-negative balance per user.
// Every mutation is a single conditional statement; implementations never read-then-write.
type BalanceStore interface {
	// GetBalance returns zero for users without a balance row.
	GetBalance(ctx context.Context, userID UserID) (Tokens, error)
	// TryDecrement subtracts amount only if the balance covers it, returning ErrNotEnoughTokens otherwise.
	TryDecrement(ctx context.Context, userID UserID, amount TokenAmount, atUnixUTC int64) (Tokens, error)
	// Increment adds amount, creating the balance row when missing.
	Increment(ctx context.Context, userID UserID, amount TokenAmount, atUnixUTC int64) (Tokens, error)
}

// EntryTransition moves a pending spend entry to a terminal status.
type EntryTransition struct {
	EntryID         EntryID
	From            EntryStatus
	To              EntryStatus
	ResultRef       ResultRef
	ResolvedUnixUTC int64
}

// EntryStore is the append-only ledger of spends and top-ups.
type EntryStore interface {
	// InsertEntry returns ErrDuplicateExternalEvent when the external key already exists.
	InsertEntry(ctx context.Context, entry Entry) error
	// GetEntry locks the entry row for the rest of the transaction and returns ErrChargeNotFound when absent.
	GetEntry(ctx context.Context, entryID EntryID) (Entry, error)
	// TransitionEntry returns ErrEntryStatusConflict when the entry is no longer in transition.From.
	TransitionEntry(ctx context.Context, transition EntryTransition) error
	// ListEntries returns up to limit of the user's entries past cursor, ordered by created time then entry id, newest first.
	ListEntries(ctx context.Context, userID UserID, cursor EntryCursor, limit int) ([]Entry, error)
	// ListExpiredReservations returns pending spends whose lease ended at or before atUnixUTC.
	ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]Entry, error)
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	BalanceStore
	EntryStore
}
