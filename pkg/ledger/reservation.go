package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ReservationEngine holds tokens for an in-flight operation and resolves the hold exactly once.
type ReservationEngine struct {
	store    Store
	nowFn    func() int64
	newID    IDGenerator
	leaseTTL time.Duration
}

// NewReservationEngine wires a ReservationEngine. A zero leaseTTL disables leases.
func NewReservationEngine(store Store, now func() int64, newID IDGenerator, leaseTTL time.Duration) (*ReservationEngine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if newID == nil {
		return nil, fmt.Errorf("%w: id generator is nil", ErrInvalidServiceConfig)
	}
	if leaseTTL < 0 {
		return nil, fmt.Errorf("%w: lease ttl must not be negative", ErrInvalidServiceConfig)
	}
	return &ReservationEngine{store: store, nowFn: now, newID: newID, leaseTTL: leaseTTL}, nil
}

// Reserve debits cost and records a pending spend in one transaction.
// When the balance does not cover cost nothing is written and ErrNotEnoughTokens is returned.
func (engine *ReservationEngine) Reserve(ctx context.Context, userID UserID, cost TokenAmount, actionKind ActionKind, metadata MetadataJSON) (Reservation, error) {
	if cost <= 0 {
		return Reservation{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	var reservation Reservation
	err := engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := engine.nowFn()
		newBalance, err := transactionStore.TryDecrement(ctx, userID, cost, nowUnixUTC)
		if err != nil {
			return err
		}
		chargeID, err := engine.newID(EntryKindSpend)
		if err != nil {
			return err
		}
		entry, err := NewEntry(EntryFields{
			ID:                   chargeID,
			UserID:               userID,
			Kind:                 EntryKindSpend,
			Amount:               cost,
			Status:               EntryStatusPending,
			ActionKind:           actionKind,
			Metadata:             metadata,
			CreatedUnixUTC:       nowUnixUTC,
			ReservedUntilUnixUTC: engine.leaseDeadline(nowUnixUTC),
		})
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		reservation = Reservation{ChargeID: chargeID, NewBalance: newBalance}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	return reservation, nil
}

// Settle marks the charge consumed. Settling a settled charge is a no-op;
// settling a refunded one returns ErrChargeAlreadyRefunded.
func (engine *ReservationEngine) Settle(ctx context.Context, chargeID ChargeID, resultRef ResultRef) (Resolution, error) {
	return engine.resolve(ctx, chargeID, EntryStatusSettled, resultRef)
}

// Refund returns the held tokens. Refunding a refunded charge is a no-op;
// refunding a settled one returns ErrChargeAlreadySettled and leaves the balance untouched.
func (engine *ReservationEngine) Refund(ctx context.Context, chargeID ChargeID) (Resolution, error) {
	return engine.resolve(ctx, chargeID, EntryStatusRefunded, ResultRef{})
}

func (engine *ReservationEngine) resolve(ctx context.Context, chargeID ChargeID, target EntryStatus, resultRef ResultRef) (Resolution, error) {
	var resolution Resolution
	err := engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		entry, err := loadCharge(ctx, transactionStore, chargeID)
		if err != nil {
			return err
		}
		resolution = Resolution{Entry: entry}
		if entry.Status() != EntryStatusPending {
			return classifyResolved(entry.Status(), target)
		}
		resolvedUnixUTC := engine.nowFn()
		transitionErr := transactionStore.TransitionEntry(ctx, EntryTransition{
			EntryID:         chargeID,
			From:            EntryStatusPending,
			To:              target,
			ResultRef:       resultRef,
			ResolvedUnixUTC: resolvedUnixUTC,
		})
		if errors.Is(transitionErr, ErrEntryStatusConflict) {
			current, err := loadCharge(ctx, transactionStore, chargeID)
			if err != nil {
				return err
			}
			resolution = Resolution{Entry: current}
			return classifyResolved(current.Status(), target)
		}
		if transitionErr != nil {
			return transitionErr
		}
		if target == EntryStatusRefunded {
			if _, err := transactionStore.Increment(ctx, entry.UserID(), entry.Amount(), resolvedUnixUTC); err != nil {
				return err
			}
		}
		resolution = Resolution{Entry: entry.Resolved(target, resultRef, resolvedUnixUTC), Changed: true}
		return nil
	})
	if err != nil {
		return resolution, err
	}
	return resolution, nil
}

// ReclaimExpired refunds pending charges whose lease has run out.
// Charges resolved by their caller in the meantime are counted as skipped.
func (engine *ReservationEngine) ReclaimExpired(ctx context.Context, limit int) (ReclaimReport, error) {
	if engine.leaseTTL == 0 {
		return ReclaimReport{}, nil
	}
	expired, err := engine.store.ListExpiredReservations(ctx, engine.nowFn(), normalizeLimit(limit))
	if err != nil {
		return ReclaimReport{}, err
	}
	report := ReclaimReport{Scanned: len(expired)}
	var failures []error
	for _, entry := range expired {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		resolution, err := engine.Refund(ctx, entry.ID())
		switch {
		case errors.Is(err, ErrChargeAlreadySettled):
			report.Skipped++
		case err != nil:
			report.Failed++
			failures = append(failures, fmt.Errorf("charge %s: %w", entry.ID().String(), err))
		case resolution.Changed:
			report.Refunded++
		default:
			report.Skipped++
		}
	}
	return report, errors.Join(failures...)
}

func (engine *ReservationEngine) leaseDeadline(nowUnixUTC int64) int64 {
	if engine.leaseTTL <= 0 {
		return 0
	}
	return nowUnixUTC + int64(engine.leaseTTL/time.Second)
}

func loadCharge(ctx context.Context, store Store, chargeID ChargeID) (Entry, error) {
	entry, err := store.GetEntry(ctx, chargeID)
	if err != nil {
		return Entry{}, err
	}
	if !entry.IsCharge() {
		return Entry{}, fmt.Errorf("%w: %s is not a charge", ErrChargeNotFound, chargeID.String())
	}
	return entry, nil
}

func classifyResolved(current EntryStatus, target EntryStatus) error {
	if current == target {
		return nil
	}
	switch current {
	case EntryStatusSettled:
		return ErrChargeAlreadySettled
	case EntryStatusRefunded:
		return ErrChargeAlreadyRefunded
	default:
		return fmt.Errorf("%w: entry is %s", ErrEntryStatusConflict, current)
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
