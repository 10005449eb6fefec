package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func resetLogger() {
	global = nil
	helper = nil
	once = sync.Once{}
}

func TestInit(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		format    string
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{"json info", "info", "json", zapcore.InfoLevel, false},
		{"console debug", "debug", "console", zapcore.DebugLevel, false},
		{"unknown format falls back to json", "warn", "logfmt", zapcore.WarnLevel, false},
		{"invalid level", "loud", "json", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetLogger()
			err := Init(tt.level, tt.format)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantLevel, Level().Level())
			require.NotNil(t, global)
		})
	}
}

func TestL_NopBeforeInit(t *testing.T) {
	resetLogger()

	require.NotNil(t, L())
	require.NotPanics(t, func() {
		Info("dropped before init")
		Named("processor").Debug("dropped")
	})
	require.NoError(t, Sync())
}

func TestFromContext(t *testing.T) {
	resetLogger()

	core, logs := observer.New(zapcore.DebugLevel)
	scoped := zap.New(core).With(zap.String("request_id", "req-1"))

	ctx := NewContext(context.Background(), scoped)
	FromContext(ctx).Info("scoped")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "req-1", entries[0].ContextMap()["request_id"])

	// No logger on the context falls back to the global one.
	require.NotNil(t, FromContext(context.Background()))
}

func TestLevelHandler(t *testing.T) {
	resetLogger()
	require.NoError(t, Init("info", "json"))

	w := httptest.NewRecorder()
	Level().ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"level":"debug"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, zapcore.DebugLevel, Level().Level())

	w = httptest.NewRecorder()
	Level().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "debug")

	require.NoError(t, Level().UnmarshalText([]byte("info")))
}
