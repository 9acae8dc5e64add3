package walletlog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

func TestOperationLogger_EngineOperations(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.DebugLevel)
	userID, err := wallet.NewUserID("user-1")
	require.NoError(t, err)
	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	engine, err := wallet.NewEngine(userID, func() time.Time { return now }, wallet.WithOperationLogger(New(zap.New(core))))
	require.NoError(t, err)

	eventID, err := wallet.NewEventID("evt-1")
	require.NoError(t, err)
	_, err = engine.ApplyOptimisticDelta(wallet.OptimisticDeltaInput{
		EventID:     eventID,
		AmountDelta: 25,
		Source:      wallet.SourceLocal,
		TTL:         time.Minute,
	})
	require.NoError(t, err)

	missing, err := wallet.NewEventID("evt-missing")
	require.NoError(t, err)
	_, err = engine.RollbackDelta(missing, "test")
	require.ErrorIs(t, err, wallet.ErrUnknownDelta)

	entries := logs.FilterMessage(operationMessage).AllUntimed()
	require.Len(t, entries, 2)

	applied := entries[0]
	assert.Equal(t, zapcore.DebugLevel, applied.Level)
	fields := applied.ContextMap()
	assert.Equal(t, "apply_delta", fields["operation"])
	assert.Equal(t, "user-1", fields["user_id"])
	assert.Equal(t, "evt-1", fields["event_id"])
	assert.Equal(t, int64(25), fields["amount_delta"])
	assert.Equal(t, int64(25), fields["displayed"])
	assert.Equal(t, "local", fields["source"])

	failed := entries[1]
	assert.Equal(t, zapcore.WarnLevel, failed.Level)
	assert.Equal(t, "rollback_delta", failed.ContextMap()["operation"])
	assert.Contains(t, failed.ContextMap()["error"], "evt-missing")
}

func TestOperationLogger_SuccessLevel(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.InfoLevel)
	quiet := New(zap.New(core))
	quiet.LogOperation(wallet.OperationLog{Operation: "snapshot", Status: "ok"})
	assert.Zero(t, logs.Len())

	loud := New(zap.New(core), WithSuccessLevel(zapcore.InfoLevel))
	loud.LogOperation(wallet.OperationLog{Operation: "snapshot", Status: "ok"})
	loud.LogOperation(wallet.OperationLog{Operation: "snapshot", Error: errors.New("boom")})
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zapcore.InfoLevel, logs.All()[0].Level)
	assert.Equal(t, zapcore.WarnLevel, logs.All()[1].Level)
}

func TestNew_NilLoggerDiscards(t *testing.T) {
	t.Parallel()
	assert.NotPanics(t, func() {
		New(nil).LogOperation(wallet.OperationLog{Operation: "snapshot", Error: errors.New("boom")})
	})
}
