package ledger

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Service is the accounting facade: the only entry point generation handlers and
// payment webhooks use. It composes the reservation engine and the top-up reconciler.
type Service struct {
	store           Store
	nowFn           func() int64
	loggers         []OperationLogger
	tracer          trace.Tracer
	newID           IDGenerator
	leaseTTL        time.Duration
	resolveAttempts int
	resolveBackoff  time.Duration
	reservations    *ReservationEngine
	topUps          *TopUpReconciler
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		nowFn:           now,
		newID:           NewTypeIDGenerator(),
		leaseTTL:        DefaultLeaseTTL,
		resolveAttempts: DefaultResolveAttempts,
		resolveBackoff:  defaultResolveBackoff,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.tracer == nil {
		service.tracer = otel.Tracer(tracerName)
	}
	if service.resolveAttempts < 1 {
		return nil, fmt.Errorf("%w: resolve attempts must be at least 1", ErrInvalidServiceConfig)
	}
	reservations, err := NewReservationEngine(store, now, service.newID, service.leaseTTL)
	if err != nil {
		return nil, err
	}
	topUps, err := NewTopUpReconciler(store, now, service.newID)
	if err != nil {
		return nil, err
	}
	service.reservations = reservations
	service.topUps = topUps
	return service, nil
}

// Reserve holds cost tokens for an operation that is about to call a paid provider.
func (service *Service) Reserve(ctx context.Context, userID UserID, cost TokenAmount, actionKind ActionKind, metadata MetadataJSON) (Reservation, error) {
	ctx, span := service.startSpan(ctx, OperationReserve,
		attribute.String("ledger.user_id", userID.String()),
		attribute.Int64("ledger.amount", cost.Int64()),
		attribute.String("ledger.action_kind", actionKind.String()),
	)
	defer span.End()

	reservation, err := service.reservations.Reserve(ctx, userID, cost, actionKind, metadata)
	recordSpanError(span, err)
	service.logOperation(ctx, OperationLog{
		Operation:  OperationReserve,
		UserID:     userID,
		ChargeID:   reservation.ChargeID,
		ActionKind: actionKind,
		Amount:     cost,
		Balance:    reservation.NewBalance,
		Metadata:   metadata,
		Error:      err,
	})
	return reservation, err
}

// Settle finalizes a charge after the provider call succeeded.
func (service *Service) Settle(ctx context.Context, chargeID ChargeID, resultRef ResultRef) error {
	ctx, span := service.startSpan(ctx, OperationSettle, attribute.String("ledger.charge_id", chargeID.String()))
	defer span.End()

	resolution, err := service.reservations.Settle(ctx, chargeID, resultRef)
	recordSpanError(span, err)
	service.logResolution(ctx, OperationSettle, chargeID, resolution, err)
	return err
}

// Refund returns a charge's tokens after the provider call failed or was abandoned.
func (service *Service) Refund(ctx context.Context, chargeID ChargeID) error {
	ctx, span := service.startSpan(ctx, OperationRefund, attribute.String("ledger.charge_id", chargeID.String()))
	defer span.End()

	resolution, err := service.reservations.Refund(ctx, chargeID)
	recordSpanError(span, err)
	service.logResolution(ctx, OperationRefund, chargeID, resolution, err)
	return err
}

// ApplyTopUp credits tokens for a verified payment event. A redelivered event
// returns ErrDuplicateExternalEvent, which callers should acknowledge as success.
func (service *Service) ApplyTopUp(ctx context.Context, externalKey ExternalKey, userID UserID, tokens TokenAmount, metadata MetadataJSON) (TopUp, error) {
	ctx, span := service.startSpan(ctx, OperationApplyTopUp,
		attribute.String("ledger.user_id", userID.String()),
		attribute.String("ledger.external_key", externalKey.String()),
		attribute.Int64("ledger.amount", tokens.Int64()),
	)
	defer span.End()

	topUp, err := service.topUps.ApplyTopUp(ctx, externalKey, userID, tokens, metadata)
	status := ""
	if IsDuplicate(err) {
		status = OperationStatusDuplicate
	} else {
		recordSpanError(span, err)
	}
	service.logOperation(ctx, OperationLog{
		Operation:   OperationApplyTopUp,
		UserID:      userID,
		ChargeID:    topUp.EntryID,
		ExternalKey: externalKey,
		Amount:      tokens,
		Balance:     topUp.NewBalance,
		Metadata:    metadata,
		Status:      status,
		Error:       err,
	})
	return topUp, err
}

// GetBalance returns the spendable balance.
func (service *Service) GetBalance(ctx context.Context, userID UserID) (Tokens, error) {
	return service.store.GetBalance(ctx, userID)
}

// ListEntries returns one page of the user's entries past cursor, newest first.
// A zero cursor starts at the newest entry; pass CursorAfter(last entry) for the next page.
func (service *Service) ListEntries(ctx context.Context, userID UserID, cursor EntryCursor, limit int) ([]Entry, error) {
	if cursor.BeforeUnixUTC <= 0 {
		cursor = EntryCursor{BeforeUnixUTC: service.nowFn() + 1}
	}
	return service.store.ListEntries(ctx, userID, cursor, normalizeLimit(limit))
}

// ReclaimExpired refunds up to limit charges whose lease has expired.
func (service *Service) ReclaimExpired(ctx context.Context, limit int) (ReclaimReport, error) {
	ctx, span := service.startSpan(ctx, OperationReclaim, attribute.Int("ledger.limit", limit))
	defer span.End()

	report, err := service.reservations.ReclaimExpired(ctx, limit)
	span.SetAttributes(
		attribute.Int("ledger.reclaim.scanned", report.Scanned),
		attribute.Int("ledger.reclaim.refunded", report.Refunded),
	)
	recordSpanError(span, err)
	if report.Scanned > 0 || err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: OperationReclaim,
			Reclaim:   &report,
			Error:     err,
		})
	}
	return report, err
}

func (service *Service) logResolution(ctx context.Context, operation string, chargeID ChargeID, resolution Resolution, err error) {
	status := ""
	if err == nil && !resolution.Changed {
		status = OperationStatusNoop
	}
	entry := resolution.Entry
	service.logOperation(ctx, OperationLog{
		Operation:  operation,
		UserID:     entry.UserID(),
		ChargeID:   chargeID,
		ActionKind: entry.ActionKind(),
		Amount:     entry.Amount(),
		Metadata:   entry.Metadata(),
		Status:     status,
		Error:      err,
	})
}

func (service *Service) startSpan(ctx context.Context, operation string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return service.tracer.Start(ctx, "ledger."+operation, trace.WithAttributes(attributes...))
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String("ledger.error_kind", string(KindOf(err))))
	span.SetStatus(codes.Error, err.Error())
}
