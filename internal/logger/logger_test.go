package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestLevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	assert.Equal(t, zapcore.DebugLevel, levelFromEnv())

	t.Setenv("LOG_LEVEL", "warn")
	assert.Equal(t, zapcore.WarnLevel, levelFromEnv())

	t.Setenv("LOG_LEVEL", "nonsense")
	assert.Equal(t, zapcore.DebugLevel, levelFromEnv())
}
