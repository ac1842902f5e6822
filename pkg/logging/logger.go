package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/feedline/feedsync/pkg/config"
)

var (
	// Logger is the application logger
	Logger *zap.Logger
	mu     sync.RWMutex
)

// InitLogger initializes the logger with the given configuration
func InitLogger(cfg *config.LoggingConfig) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	if cfg.Format != "text" && cfg.ScalyrFormat {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

		SetLogger(zap.New(
			zapcore.NewCore(
				NewScalyrEncoder(encoderConfig),
				zapcore.AddSync(os.Stdout),
				level,
			),
			zap.AddCaller(),
			zap.AddStacktrace(zapcore.ErrorLevel),
		))
		return nil
	}

	var zapConfig zap.Config
	if cfg.Format == "text" {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return err
	}
	SetLogger(logger)
	return nil
}

// SetLogger replaces the global logger
func SetLogger(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	Logger = logger
}

// GetLogger returns the global logger
func GetLogger() *zap.Logger {
	mu.RLock()
	logger := Logger
	mu.RUnlock()
	if logger != nil {
		return logger
	}

	mu.Lock()
	defer mu.Unlock()
	if Logger == nil {
		// Fallback to default logger
		Logger, _ = zap.NewProduction()
	}
	return Logger
}

// WithContext adds context fields to logger
func WithContext(fields ...zap.Field) *zap.Logger {
	return GetLogger().With(fields...)
}

// WithComponent adds component name to logger
func WithComponent(component string) *zap.Logger {
	return GetLogger().With(zap.String("component", component))
}

// WithActor adds the acting identity to logger
func WithActor(actorID string) *zap.Logger {
	return GetLogger().With(zap.String("actor_id", actorID))
}
