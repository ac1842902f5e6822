package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/feedline/feedsync/pkg/config"
)

func scalyrTestLogger(buf *bytes.Buffer) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		LevelKey:      "level",
		MessageKey:    "message",
		CallerKey:     "caller",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(NewScalyrEncoder(encoderConfig), zapcore.AddSync(buf), zapcore.InfoLevel)
	return zap.New(core)
}

func TestScalyrEncoder(t *testing.T) {
	cfg := &config.LoggingConfig{
		Level:        "INFO",
		Format:       "json",
		ScalyrFormat: true,
	}

	oldLogger := GetLogger()
	defer SetLogger(oldLogger)

	if err := InitLogger(cfg); err != nil {
		t.Fatalf("Failed to initialize logger: %v", err)
	}

	var buf bytes.Buffer
	logger := scalyrTestLogger(&buf)

	logger.Info("test message",
		zap.String("key", "value"),
		zap.Int64("likes_count", 6),
		zap.Bool("liked_by_me", true),
		zap.Duration("elapsed", 1500*time.Millisecond),
		zap.Error(errors.New("boom")),
	)

	var logObj map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logObj); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}

	if logObj["message"] != "test message" {
		t.Errorf("Expected message 'test message', got: %v", logObj["message"])
	}
	if logObj["key"] != "value" {
		t.Errorf("Expected field 'key'='value', got: %v", logObj["key"])
	}
	if logObj["likes_count"] != float64(6) {
		t.Errorf("Expected field 'likes_count'=6, got: %v", logObj["likes_count"])
	}
	if logObj["liked_by_me"] != true {
		t.Errorf("Expected field 'liked_by_me'=true, got: %v", logObj["liked_by_me"])
	}
	if logObj["elapsed"] != "1.5s" {
		t.Errorf("Expected field 'elapsed'='1.5s', got: %v", logObj["elapsed"])
	}
	if logObj["error"] != "boom" {
		t.Errorf("Expected field 'error'='boom', got: %v", logObj["error"])
	}
	if _, ok := logObj["timestamp"]; !ok {
		t.Error("Expected 'timestamp' field in log output")
	}
}

func TestScalyrEncoderWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := scalyrTestLogger(&buf).With(zap.String("component", "feed-engine"))

	logger.Info("scope opened", zap.String("scope", "likes:post_id=eq.p1"))

	var logObj map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logObj); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}
	if logObj["component"] != "feed-engine" {
		t.Errorf("Expected context field 'component', got: %v", logObj["component"])
	}
	if logObj["scope"] != "likes:post_id=eq.p1" {
		t.Errorf("Expected field 'scope', got: %v", logObj["scope"])
	}
}

func TestGetLoggerFallback(t *testing.T) {
	oldLogger := GetLogger()
	defer SetLogger(oldLogger)

	SetLogger(nil)
	if GetLogger() == nil {
		t.Fatal("GetLogger() should never return nil")
	}
	if WithComponent("test") == nil {
		t.Fatal("WithComponent() should never return nil")
	}
}
