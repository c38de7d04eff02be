package logger

import (
	"journey_backend/internal/config"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is a no-op until InitLogger runs so packages can log from tests.
var Log = zap.NewNop()

// level is shared by both cores so a config reload can change it in place.
var level = zap.NewAtomicLevelAt(zap.InfoLevel)

func encoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "time"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	ec.EncodeDuration = zapcore.MillisDurationEncoder
	return ec
}

func rotatingFile(cfg config.LogConfig) zapcore.WriteSyncer {
	file := cfg.File
	if file == "" {
		file = "logs/journey.log"
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   file,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: orDefault(cfg.MaxBackups, 5),
		MaxAge:     orDefault(cfg.MaxAgeDays, 30),
		Compress:   true,
	})
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// InitLogger writes JSON to a rotating file and human-readable lines to stdout.
func InitLogger(cfg *config.Config) {
	SetMode(cfg.Server.Mode)

	ec := encoderConfig()
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(ec), rotatingFile(cfg.Log), level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(ec), zapcore.AddSync(os.Stdout), level),
	)

	Log = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)).
		With(zap.String("service", "journey-backend"))
}

// SetMode switches the level at runtime; debug mode logs at debug level.
func SetMode(mode string) {
	if mode == "debug" {
		level.SetLevel(zap.DebugLevel)
		return
	}
	level.SetLevel(zap.InfoLevel)
}
