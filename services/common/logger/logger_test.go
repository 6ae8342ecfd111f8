package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_TeesToCloudWatchWriter(t *testing.T) {
	var buf bytes.Buffer

	log, err := New("production", &buf)
	require.NoError(t, err)
	log.Info("order saved", zap.String("order_id", "order-u1-1"))
	_ = log.Sync()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "order saved", entry["msg"])
	assert.Equal(t, "order-u1-1", entry["order_id"])
	assert.Equal(t, "info", entry["level"])
	assert.Contains(t, entry, "timestamp")
}

func TestNew_Development(t *testing.T) {
	log, err := New("development", nil)
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestFor_AddsRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := WithRequestID(context.Background(), "req-42")
	For(ctx, base).Info("hello")
	For(context.Background(), base).Info("bare")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "req-42", entries[0].ContextMap()[RequestIDKey])
	assert.NotContains(t, entries[1].ContextMap(), RequestIDKey)
	assert.Equal(t, "req-42", RequestID(ctx))
}
