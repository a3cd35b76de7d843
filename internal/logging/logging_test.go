package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaultsToInfoOnUnknownLevel(t *testing.T) {
	log, err := New("bogus", "json")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNewMapsErrToErrorLevel(t *testing.T) {
	log, err := New("err", "json")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.ErrorLevel))
	assert.False(t, log.Core().Enabled(zapcore.WarnLevel))
}

func TestNewConsoleFormat(t *testing.T) {
	log, err := New("debug", "console")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestComponentAttachesStableFields(t *testing.T) {
	base, err := New("info", "json")
	require.NoError(t, err)

	child := Component(base, "ingest", "notes", "todos")
	require.NotNil(t, child)
	assert.NotSame(t, base, child)
}

func TestComponentOmitsEmptyDbAndCollection(t *testing.T) {
	base, err := New("info", "json")
	require.NoError(t, err)

	child := Component(base, "supervisor", "", "")
	require.NotNil(t, child)
}
