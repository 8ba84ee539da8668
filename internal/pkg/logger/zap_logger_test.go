package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerAttachesModuleAndDetails(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromZap(zap.New(core))

	l.Warn("Finalizer", "durability gap", map[string]interface{}{"conversation_id": "c1"})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "durability gap", entries[0].Message)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "Finalizer", ctx["module"])
	assert.Equal(t, map[string]interface{}{"conversation_id": "c1"}, ctx["details"])
}

func TestZapLoggerErrorPromotesErrorField(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromZap(zap.New(core))

	l.Error("Store", "insert failed", map[string]interface{}{"error": errors.New("boom")})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].ContextMap()["error"])
}

func TestZapLoggerNilDetails(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromZap(zap.New(core))

	l.Info("ChatService", "hello", nil)

	require.Len(t, logs.All(), 1)
	assert.Equal(t, map[string]interface{}{}, logs.All()[0].ContextMap()["details"])
}
