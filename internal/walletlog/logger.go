// Package walletlog forwards engine operation records to zap.
package walletlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

const (
	operationMessage = "wallet operation"
	statusError      = "error"
)

// OperationLogger implements wallet.OperationLogger on top of zap.
type OperationLogger struct {
	logger       *zap.Logger
	successLevel zapcore.Level
}

// Option configures an OperationLogger.
type Option func(*OperationLogger)

// WithSuccessLevel changes the level used for successful operations. Failures always log at warn.
func WithSuccessLevel(level zapcore.Level) Option {
	return func(operationLogger *OperationLogger) {
		operationLogger.successLevel = level
	}
}

// New builds an OperationLogger. A nil logger discards everything.
func New(logger *zap.Logger, options ...Option) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	operationLogger := &OperationLogger{logger: logger, successLevel: zapcore.DebugLevel}
	for _, option := range options {
		if option != nil {
			option(operationLogger)
		}
	}
	return operationLogger
}

// LogOperation implements wallet.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(entry wallet.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
		zap.Int64("displayed", entry.Displayed.Int64()),
		zap.Int64("snapshot_version", entry.Version),
	}
	if !entry.EventID.IsZero() {
		fields = append(fields, zap.String("event_id", entry.EventID.String()))
	}
	if entry.AmountDelta != 0 {
		fields = append(fields, zap.Int64("amount_delta", entry.AmountDelta.Int64()))
	}
	if entry.Source != "" {
		fields = append(fields, zap.String("source", string(entry.Source)))
	}
	if entry.Error != nil || entry.Status == statusError {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn(operationMessage, fields...)
		return
	}
	if checked := operationLogger.logger.Check(operationLogger.successLevel, operationMessage); checked != nil {
		checked.Write(fields...)
	}
}

var _ wallet.OperationLogger = (*OperationLogger)(nil)
