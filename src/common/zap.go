package common

import (
	"github.com/mattn/go-colorable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func ConfigureZap(level zapcore.Level) *zap.Logger {
	return zap.New(consoleCore(level))
}

func consoleCore(level zapcore.Level) zapcore.Core {
	pe := zap.NewProductionEncoderConfig()
	pe.EncodeTime = zapcore.RFC3339TimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(pe)
	return zapcore.NewCore(consoleEncoder, zapcore.AddSync(colorable.NewColorableStdout()), level)
}

// ConfigureZapFromConfig is ConfigureZap plus an optional rotating json file
func ConfigureZapFromConfig(cfg LogConfig) *zap.Logger {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zapcore.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	core := consoleCore(level)
	if cfg.File != "" {
		pe := zap.NewProductionEncoderConfig()
		pe.EncodeTime = zapcore.RFC3339TimeEncoder
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   true,
		})
		core = zapcore.NewTee(core, zapcore.NewCore(zapcore.NewJSONEncoder(pe), sink, level))
	}
	return zap.New(core)
}

func orDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
