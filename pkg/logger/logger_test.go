package logger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	l := New("debug")
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	l = New("not-a-level")
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
}

func TestContextLogger_WithContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithSessionID(WithPeerID(context.Background(), "alice"), "call-1")
	ctx = WithRequestID(ctx, "req_1")
	cl.WithContext(ctx).Info("offer relayed")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "call-1", fields["session_id"])
	assert.Equal(t, "alice", fields["peer_id"])
	assert.Equal(t, "req_1", fields["request_id"])
	assert.NotContains(t, fields, "trace_id")
	assert.Equal(t, "req_1", RequestID(ctx))
	assert.Empty(t, RequestID(context.Background()))
}

func TestContextLogger_LogRequest(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	cl.LogRequest(context.Background(), "POST", "/signal", 200, 15*time.Millisecond)
	cl.LogRequest(context.Background(), "POST", "/signal", 500, time.Millisecond)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, int64(15), entries[0].ContextMap()["duration_ms"])
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
}

func TestPionLoggerFactory(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	factory := NewPionLoggerFactory(zap.New(core))

	l := factory.NewLogger("ice")
	l.Infof("gathering %d candidates", 2)
	l.Trace("noisy")
	l.Warn("turn unreachable")

	entries := logs.All()
	assert.Len(t, entries, 3)
	assert.Equal(t, "pion.ice", entries[0].LoggerName)
	assert.Equal(t, "gathering 2 candidates", entries[0].Message)
	assert.Equal(t, zap.DebugLevel, entries[1].Level)
	assert.Equal(t, zap.WarnLevel, entries[2].Level)
}
