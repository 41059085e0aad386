package ledger

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a ledger operation and its outcome.
type OperationLog struct {
	Operation   string
	UserID      UserID
	ChargeID    ChargeID
	ExternalKey ExternalKey
	ActionKind  ActionKind
	Amount      TokenAmount
	Balance     Tokens
	Metadata    MetadataJSON
	Status      string
	Error       error
	Reclaim     *ReclaimReport
}

// Kind classifies the logged error.
func (entry OperationLog) Kind() ErrorKind {
	return KindOf(entry.Error)
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
// It may be given more than once; every logger is called in order.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.loggers = append(service.loggers, logger)
		}
	}
}

// WithLeaseTTL overrides DefaultLeaseTTL. Zero disables leases and reclaiming.
func WithLeaseTTL(ttl time.Duration) ServiceOption {
	return func(service *Service) {
		service.leaseTTL = ttl
	}
}

// WithIDGenerator replaces the TypeID generator.
func WithIDGenerator(generator IDGenerator) ServiceOption {
	return func(service *Service) {
		service.newID = generator
	}
}

// WithTracer records a span per operation on tracer.
func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(service *Service) {
		service.tracer = tracer
	}
}

// WithResolveRetry sets how often RunMetered tries to settle or refund when the store is unavailable.
func WithResolveRetry(attempts int, backoff time.Duration) ServiceOption {
	return func(service *Service) {
		service.resolveAttempts = attempts
		service.resolveBackoff = backoff
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if len(service.loggers) == 0 {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = OperationStatusError
		} else {
			entry.Status = OperationStatusOK
		}
	}
	for _, logger := range service.loggers {
		logger.LogOperation(ctx, entry)
	}
}
