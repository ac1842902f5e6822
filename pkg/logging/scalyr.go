package logging

import (
	"encoding/json"
	"time"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

var bufferPool = buffer.NewPool()

// ScalyrEncoder is a custom Zap encoder that outputs Scalyr-compatible JSON format
type ScalyrEncoder struct {
	zapcore.Encoder
	config zapcore.EncoderConfig
}

// NewScalyrEncoder creates a new Scalyr-compatible encoder
func NewScalyrEncoder(config zapcore.EncoderConfig) zapcore.Encoder {
	return &ScalyrEncoder{
		Encoder: zapcore.NewJSONEncoder(config),
		config:  config,
	}
}

// EncodeEntry encodes a log entry in Scalyr-compatible format
func (e *ScalyrEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	logObj := map[string]interface{}{
		"timestamp": entry.Time.Format(time.RFC3339Nano),
		"level":     entry.Level.String(),
		"message":   entry.Message,
		"logger":    entry.LoggerName,
	}

	if entry.Caller.Defined {
		logObj["file"] = entry.Caller.File
		logObj["line"] = entry.Caller.Line
		logObj["function"] = entry.Caller.Function
	}

	if entry.Stack != "" {
		logObj["stack"] = entry.Stack
	}

	// Fields carried by With() live in the embedded encoder; decode them back out.
	if ctxFields := e.contextFields(entry); ctxFields != nil {
		for k, v := range ctxFields {
			logObj[k] = v
		}
	}

	enc := zapcore.NewMapObjectEncoder()
	for _, field := range fields {
		switch field.Type {
		case zapcore.DurationType:
			logObj[field.Key] = time.Duration(field.Integer).String()
		case zapcore.ErrorType:
			if err, ok := field.Interface.(error); ok && err != nil {
				logObj[field.Key] = err.Error()
			}
		default:
			field.AddTo(enc)
		}
	}
	for k, v := range enc.Fields {
		logObj[k] = v
	}

	buf := bufferPool.Get()
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(logObj); err != nil {
		buf.Free()
		return nil, err
	}
	// json.Encoder terminates with a newline; zap's core adds its own
	if buf.Len() > 0 && buf.Bytes()[buf.Len()-1] == '\n' {
		buf.TrimNewline()
	}
	buf.AppendString(zapcore.DefaultLineEnding)
	return buf, nil
}

// contextFields renders the fields accumulated through With() on the
// embedded JSON encoder.
func (e *ScalyrEncoder) contextFields(entry zapcore.Entry) map[string]interface{} {
	probe, err := e.Encoder.EncodeEntry(zapcore.Entry{}, nil)
	if err != nil {
		return nil
	}
	defer probe.Free()

	var out map[string]interface{}
	if err := json.Unmarshal(probe.Bytes(), &out); err != nil {
		return nil
	}
	for _, key := range []string{e.config.TimeKey, e.config.LevelKey, e.config.MessageKey, e.config.NameKey, e.config.CallerKey, e.config.FunctionKey, e.config.StacktraceKey} {
		if key != "" {
			delete(out, key)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Clone creates a copy of the encoder
func (e *ScalyrEncoder) Clone() zapcore.Encoder {
	return &ScalyrEncoder{
		Encoder: e.Encoder.Clone(),
		config:  e.config,
	}
}
