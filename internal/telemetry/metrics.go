package telemetry

import (
	"context"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope used for ledger metrics.
const MeterName = "github.com/MarkoPoloResearchLab/tokenledger"

var _ ledger.OperationLogger = (*Metrics)(nil)

// Metrics counts ledger operations. It is wired into the service as an OperationLogger.
type Metrics struct {
	operations metric.Int64Counter
	tokens     metric.Int64Counter
	reclaimed  metric.Int64Counter
}

// NewMetrics registers the ledger instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	operations, err := meter.Int64Counter(
		"ledger_operations_total",
		metric.WithDescription("Ledger operations by name, status and error kind"),
	)
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter(
		"ledger_tokens_total",
		metric.WithDescription("Tokens moved by successful operations"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}
	reclaimed, err := meter.Int64Counter(
		"ledger_reclaimed_charges_total",
		metric.WithDescription("Expired charges refunded by the sweeper"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{operations: operations, tokens: tokens, reclaimed: reclaimed}, nil
}

func (metrics *Metrics) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	metrics.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", entry.Operation),
		attribute.String("status", entry.Status),
		attribute.String("error_kind", string(entry.Kind())),
	))
	if entry.Reclaim != nil && entry.Reclaim.Refunded > 0 {
		metrics.reclaimed.Add(ctx, int64(entry.Reclaim.Refunded))
	}
	if entry.Error == nil && entry.Status != ledger.OperationStatusNoop && entry.Amount > 0 {
		metrics.tokens.Add(ctx, entry.Amount.Int64(), metric.WithAttributes(
			attribute.String("operation", entry.Operation),
		))
	}
}
