package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerAt(t *testing.T) {
	l, err := NewLoggerAt("debug")
	require.NoError(t, err)
	assert.True(t, l.Desugar().Core().Enabled(zapcore.DebugLevel))

	l, err = NewLoggerAt("")
	require.NoError(t, err)
	assert.False(t, l.Desugar().Core().Enabled(zapcore.DebugLevel))
	assert.True(t, l.Desugar().Core().Enabled(zapcore.InfoLevel))

	_, err = NewLoggerAt("loud")
	assert.Error(t, err)
}
