package ledger

import (
	"context"
	"time"
)

// MeteredFunc performs the paid work for a reserved charge and returns a reference to its result.
type MeteredFunc func(ctx context.Context, chargeID ChargeID) (ResultRef, error)

// MeteredResult reports what RunMetered did with the charge. NewBalance is the
// balance right after the reservation. ResolveError is set when the charge could
// not be settled or refunded; the lease sweep refunds such charges later.
type MeteredResult struct {
	ChargeID     ChargeID
	NewBalance   Tokens
	ResultRef    ResultRef
	ResolveError error
}

// RunMetered reserves cost, runs fn and then settles on success or refunds on failure.
// fn is never called when the reservation fails. The returned error is the reservation
// error or fn's error; a failed settle or refund only shows up in ResolveError.
func (service *Service) RunMetered(ctx context.Context, userID UserID, cost TokenAmount, actionKind ActionKind, metadata MetadataJSON, fn MeteredFunc) (MeteredResult, error) {
	reservation, err := service.Reserve(ctx, userID, cost, actionKind, metadata)
	if err != nil {
		return MeteredResult{}, err
	}
	result := MeteredResult{ChargeID: reservation.ChargeID, NewBalance: reservation.NewBalance}

	resultRef, runErr := fn(ctx, reservation.ChargeID)
	resolveCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		result.ResolveError = service.retryResolve(resolveCtx, func() error {
			return service.Refund(resolveCtx, reservation.ChargeID)
		})
		return result, runErr
	}
	result.ResultRef = resultRef
	result.ResolveError = service.retryResolve(resolveCtx, func() error {
		return service.Settle(resolveCtx, reservation.ChargeID, resultRef)
	})
	return result, nil
}

func (service *Service) retryResolve(ctx context.Context, resolve func() error) error {
	var err error
	for attempt := 1; attempt <= service.resolveAttempts; attempt++ {
		err = resolve()
		if err == nil || KindOf(err) != KindStoreUnavailable {
			return err
		}
		if attempt == service.resolveAttempts || service.resolveBackoff <= 0 {
			continue
		}
		timer := time.NewTimer(service.resolveBackoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
