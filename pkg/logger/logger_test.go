package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, Init("loud"))
	require.NoError(t, Init("debug"))
}

func TestHelpersWriteToProcessLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Set(zap.New(core).Sugar())
	t.Cleanup(func() { Set(nil) })

	Infof("pass %d done", 3)
	Warnf("retrying %s", "agents")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "pass 3 done", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}
