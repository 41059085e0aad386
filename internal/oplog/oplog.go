// Package oplog writes ledger operation events to zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const messageOperation = "ledger operation"

var _ ledger.OperationLogger = (*Logger)(nil)

// Logger implements ledger.OperationLogger on top of zap.
type Logger struct {
	logger *zap.Logger
}

// New returns a Logger. A nil zap logger is replaced with a no-op one.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("ledger")}
}

// LogOperation picks the level from the error kind: infra failures are errors,
// state violations are warnings, and expected outcomes stay at info.
func (logger *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := operationFields(entry)
	switch levelFor(entry) {
	case zapcore.ErrorLevel:
		logger.logger.Error(messageOperation, fields...)
	case zapcore.WarnLevel:
		logger.logger.Warn(messageOperation, fields...)
	default:
		logger.logger.Info(messageOperation, fields...)
	}
}

func levelFor(entry ledger.OperationLog) zapcore.Level {
	switch entry.Kind() {
	case "", ledger.KindNotEnoughTokens, ledger.KindDuplicateExternalEvent:
		return zapcore.InfoLevel
	case ledger.KindChargeAlreadySettled, ledger.KindChargeAlreadyRefunded, ledger.KindChargeNotFound,
		ledger.KindInvalidAmount, ledger.KindInvalidArgument:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func operationFields(entry ledger.OperationLog) []zap.Field {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if userID := entry.UserID.String(); userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	if !entry.ChargeID.IsZero() {
		fields = append(fields, zap.String("charge_id", entry.ChargeID.String()))
	}
	if !entry.ExternalKey.IsZero() {
		fields = append(fields, zap.String("external_key", entry.ExternalKey.String()))
	}
	if actionKind := entry.ActionKind.String(); actionKind != "" {
		fields = append(fields, zap.String("action_kind", actionKind))
	}
	if entry.Amount > 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Error == nil && reportsBalance(entry.Operation) {
		fields = append(fields, zap.Int64("balance", entry.Balance.Int64()))
	}
	if entry.Reclaim != nil {
		fields = append(fields,
			zap.Int("reclaim_scanned", entry.Reclaim.Scanned),
			zap.Int("reclaim_refunded", entry.Reclaim.Refunded),
			zap.Int("reclaim_skipped", entry.Reclaim.Skipped),
			zap.Int("reclaim_failed", entry.Reclaim.Failed),
		)
	}
	if entry.Error != nil {
		fields = append(fields,
			zap.String("error_kind", string(entry.Kind())),
			zap.Error(entry.Error),
		)
	}
	return fields
}

func reportsBalance(operation string) bool {
	return operation == ledger.OperationReserve || operation == ledger.OperationApplyTopUp
}
