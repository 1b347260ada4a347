package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	l, err := New(Config{Level: "warn", OutputPaths: []string{path}})
	require.NoError(t, err)

	l.Info("dropped")
	l.Warn("kept", BatchSeq(7), Event("retry"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"message":"kept"`)
	assert.Contains(t, lines[0], `"batch_seq":7`)
	assert.Contains(t, lines[0], `"event":"retry"`)
}

func TestComponentField(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Component(zap.New(core), "writer").Info("batch committed")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "writer", logs.All()[0].ContextMap()["component"])
}

func TestInitReplacesGlobal(t *testing.T) {
	require.NoError(t, Init(Config{Level: "error"}))
	assert.False(t, Get().Core().Enabled(zapcore.WarnLevel))
	require.NoError(t, Init(Config{Level: "debug"}))
	assert.True(t, Get().Core().Enabled(zapcore.DebugLevel))
	_ = Sync()
}
