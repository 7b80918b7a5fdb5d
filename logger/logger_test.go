package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestBuild(t *testing.T) {
	l, err := Build(Options{Level: "debug"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = Build(Options{Level: "warn", Development: true})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))

	_, err = Build(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestInitReplacesGlobals(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	require.NoError(t, Init(Options{Level: "error"}))
	assert.Same(t, Log(), zap.L())
	assert.NotNil(t, S())
	assert.False(t, Log().Core().Enabled(zapcore.WarnLevel))
	Sync()
}
