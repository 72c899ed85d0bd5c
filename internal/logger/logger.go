package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Info (and debug when enabled) go to stdout,
// warnings and above go to stderr, both JSON encoded.
func New(debug bool) *zap.Logger {
	lowLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		if debug {
			return level == zapcore.DebugLevel || level == zapcore.InfoLevel
		}
		return level == zapcore.InfoLevel
	})
	highLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= zapcore.WarnLevel
	})

	encoderCfg := zap.NewProductionEncoderConfig()
	if debug {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	}
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), lowLevel),
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), highLevel),
	)
	return zap.New(core, zap.AddCaller())
}
