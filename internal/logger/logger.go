// Package logger configures the process-wide zap logger.
package logger

import (
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the console logger every component shares, installs it as the
// zap global and redirects the standard library logger into it. LOG_LEVEL
// selects the minimum level; unset or unparseable means debug.
func New() *zap.Logger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.AddSync(os.Stderr),
		levelFromEnv(),
	)

	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	zap.ReplaceGlobals(l)
	log.SetOutput(zap.NewStdLog(l).Writer())

	return l
}

func levelFromEnv() zapcore.Level {
	raw := os.Getenv("LOG_LEVEL")
	if raw == "" {
		return zapcore.DebugLevel
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		return zapcore.DebugLevel
	}
	return lvl
}
