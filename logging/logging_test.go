package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestApplyLevels(t *testing.T) {
	t.Cleanup(func() { ApplyLevels("") })

	server := Logger("tumor-server")
	_ = Logger("tumor-storage")
	_ = Logger("other")

	ApplyLevels("debug;tumor-storage=error")

	assert.Equal(t, zapcore.DebugLevel, Level("tumor-server"))
	assert.Equal(t, zapcore.ErrorLevel, Level("tumor-storage"))
	assert.Equal(t, DefaultLogLevel, Level("other"))
	assert.True(t, server.Desugar().Core().Enabled(zapcore.DebugLevel))

	ApplyLevels("")
	assert.Equal(t, DefaultLogLevel, Level("tumor-server"))
	assert.False(t, server.Desugar().Core().Enabled(zapcore.DebugLevel))
}

func TestApplyLevelsSkipsMalformedRules(t *testing.T) {
	t.Cleanup(func() { ApplyLevels("") })

	_ = Logger("tumor-detections")
	ApplyLevels("tumor-detections=loud;[=debug;tumor-det*=warn")

	assert.Equal(t, zapcore.WarnLevel, Level("tumor-detections"))
}

func TestLoggerCreatedAfterRules(t *testing.T) {
	t.Cleanup(func() { ApplyLevels("") })

	ApplyLevels("tumor-late=debug")
	assert.Equal(t, zapcore.DebugLevel, Level("tumor-late"))

	l := Logger("tumor-late")
	assert.True(t, l.Desugar().Core().Enabled(zapcore.DebugLevel))
}
