package logging

import (
	"os"

	"github.com/savplux/backpack-liquidation-limit/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func New(cfg config.LoggingConfig) *zap.Logger {
	level := zapcore.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}
	if cfg.File == "" {
		zapCfg := zap.NewProductionConfig()
		zapCfg.Level = zap.NewAtomicLevelAt(level)
		logger, err := zapCfg.Build()
		if err != nil {
			return zap.NewNop()
		}
		return logger
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	fileSink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    100, // MB
		MaxBackups: 7,
		MaxAge:     14, // days
		Compress:   true,
	})
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), fileSink, level),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(os.Stderr), level),
	)
	return zap.New(core)
}
