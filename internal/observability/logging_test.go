package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     LogConfig
		wantErr bool
	}{
		{name: "defaults", cfg: DefaultLogConfig()},
		{name: "console", cfg: LogConfig{Level: "debug", Format: "console"}},
		{name: "stderr", cfg: LogConfig{Level: "warn", Format: "json", Output: "stderr"}},
		{name: "empty level", cfg: LogConfig{}},
		{name: "invalid level", cfg: LogConfig{Level: "loud"}, wantErr: true},
		{name: "invalid format", cfg: LogConfig{Level: "info", Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestLogger_SetLevel(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(LogConfig{Level: "info"})
	require.NoError(t, err)

	setter, ok := logger.(LevelSetter)
	require.True(t, ok, "zap logger should support runtime level changes")
	assert.Equal(t, "info", setter.Level())

	child := logger.With(String("component", "test"))
	require.NoError(t, setter.SetLevel("debug"))
	assert.Equal(t, "debug", setter.Level())
	assert.Equal(t, "debug", child.(LevelSetter).Level(), "children share the level")

	assert.Error(t, setter.SetLevel("nope"))
}

func TestLogger_WithContext(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewLoggerFromZap(zap.New(core))

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithTraceID(ctx, "trace-1")
	ctx = ContextWithSpanID(ctx, "span-1")
	ctx = ContextWithTransferID(ctx, "xfer-1")

	logger.WithContext(ctx).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "trace-1", fields["trace_id"])
	assert.Equal(t, "span-1", fields["span_id"])
	assert.Equal(t, "xfer-1", fields["transfer_id"])
}

func TestLogger_WithContextEmpty(t *testing.T) {
	t.Parallel()

	logger := NopLogger()
	assert.Same(t, logger, logger.WithContext(context.Background()))
}

func TestContextIDs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))
	assert.Empty(t, TraceIDFromContext(ctx))

	ctx = ContextWithRequestID(ctx, "abc")
	ctx = ContextWithTraceID(ctx, "def")
	assert.Equal(t, "abc", RequestIDFromContext(ctx))
	assert.Equal(t, "def", TraceIDFromContext(ctx))
}

func TestGlobalLogger(t *testing.T) {
	assert.NotNil(t, L())

	logger := NopLogger()
	SetGlobalLogger(logger)
	defer SetGlobalLogger(nil)

	assert.Same(t, logger, GetGlobalLogger())
}
