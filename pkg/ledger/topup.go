package ledger

import (
	"context"
	"fmt"
)

// TopUpReconciler credits balances from payment notifications, at most once per external key.
type TopUpReconciler struct {
	store Store
	nowFn func() int64
	newID IDGenerator
}

// NewTopUpReconciler wires a TopUpReconciler.
func NewTopUpReconciler(store Store, now func() int64, newID IDGenerator) (*TopUpReconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if newID == nil {
		return nil, fmt.Errorf("%w: id generator is nil", ErrInvalidServiceConfig)
	}
	return &TopUpReconciler{store: store, nowFn: now, newID: newID}, nil
}

// ApplyTopUp records a settled top-up and credits the balance in one transaction.
// The entry is inserted before the balance moves, so a redelivered event fails on the
// external key constraint with ErrDuplicateExternalEvent and credits nothing.
func (reconciler *TopUpReconciler) ApplyTopUp(ctx context.Context, externalKey ExternalKey, userID UserID, tokens TokenAmount, metadata MetadataJSON) (TopUp, error) {
	if tokens <= 0 {
		return TopUp{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if externalKey.IsZero() {
		return TopUp{}, fmt.Errorf("%w: empty value", ErrInvalidExternalKey)
	}
	var topUp TopUp
	err := reconciler.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := reconciler.nowFn()
		entryID, err := reconciler.newID(EntryKindTopUp)
		if err != nil {
			return err
		}
		entry, err := NewEntry(EntryFields{
			ID:              entryID,
			UserID:          userID,
			Kind:            EntryKindTopUp,
			Amount:          tokens,
			Status:          EntryStatusSettled,
			ExternalKey:     externalKey,
			Metadata:        metadata,
			CreatedUnixUTC:  nowUnixUTC,
			ResolvedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		newBalance, err := transactionStore.Increment(ctx, userID, tokens, nowUnixUTC)
		if err != nil {
			return err
		}
		topUp = TopUp{EntryID: entryID, NewBalance: newBalance}
		return nil
	})
	if err != nil {
		return TopUp{}, err
	}
	return topUp, nil
}
