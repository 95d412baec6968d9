package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewJSONLogger creates a JSON logger writing to writer at level.
func NewJSONLogger(writer io.Writer, level Level) *JSONLogger {
	s := &sink{w: writer}
	s.level.Store(int32(level))
	return &JSONLogger{out: s}
}

// New opens a logger for the named output: "stdout", "stderr" or a file
// path, which is opened for appending. The returned closer releases the
// file and is a no-op for the standard streams.
func New(output string, level string) (*JSONLogger, io.Closer, error) {
	switch output {
	case "", "stderr":
		return NewJSONLogger(os.Stderr, ParseLevel(level)), nopCloser{}, nil
	case "stdout":
		return NewJSONLogger(os.Stdout, ParseLevel(level)), nopCloser{}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output %s: %w", output, err)
	}
	return NewJSONLogger(f, ParseLevel(level)), f, nil
}

func (l *JSONLogger) log(level Level, msg string, fields ...Field) {
	if int32(level) < l.out.level.Load() {
		return
	}

	entry := LogEntry{
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Level:   level.String(),
		Message: msg,
	}
	if n := len(l.fields) + len(fields); n > 0 {
		entry.Fields = make(map[string]any, n)
		for _, f := range l.fields {
			entry.Fields[f.Key] = f.Value
		}
		// call-site fields win over pre-set ones
		for _, f := range fields {
			entry.Fields[f.Key] = f.Value
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		data = fmt.Appendf(nil, `{"level":"ERROR","msg":"unencodable log entry","error":%q}`, err.Error())
	}
	data = append(data, '\n')

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.w.Write(data)
}

func (l *JSONLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields...) }
func (l *JSONLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields...) }
func (l *JSONLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields...) }
func (l *JSONLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields...) }

// With creates a child logger sharing this logger's output and level.
func (l *JSONLogger) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &JSONLogger{out: l.out, fields: merged}
}

// SetLevel changes the minimum level for this logger and all its children.
func (l *JSONLogger) SetLevel(level Level) {
	l.out.level.Store(int32(level))
}

func (l *JSONLogger) GetLevel() Level {
	return Level(l.out.level.Load())
}

// StartTimer begins timing an operation
func StartTimer(logger Logger, msg string, fields ...Field) *TimedOperation {
	return &TimedOperation{
		logger: logger,
		msg:    msg,
		start:  time.Now(),
		fields: fields,
	}
}

// Elapsed reports the time since StartTimer.
func (t *TimedOperation) Elapsed() time.Duration {
	return time.Since(t.start)
}

// End logs the operation at debug level with its duration.
func (t *TimedOperation) End(extra ...Field) time.Duration {
	elapsed := t.Elapsed()
	t.logger.Debug(t.msg, t.with(elapsed, extra)...)
	return elapsed
}

// EndWithLevel logs the operation at level with its duration.
func (t *TimedOperation) EndWithLevel(level Level, extra ...Field) time.Duration {
	elapsed := t.Elapsed()
	fields := t.with(elapsed, extra)
	switch level {
	case DebugLevel:
		t.logger.Debug(t.msg, fields...)
	case InfoLevel:
		t.logger.Info(t.msg, fields...)
	case WarnLevel:
		t.logger.Warn(t.msg, fields...)
	default:
		t.logger.Error(t.msg, fields...)
	}
	return elapsed
}

// EndError logs the operation as failed.
func (t *TimedOperation) EndError(err error) time.Duration {
	elapsed := t.Elapsed()
	t.logger.Error(t.msg, t.with(elapsed, []Field{Error(err)})...)
	return elapsed
}

func (t *TimedOperation) with(elapsed time.Duration, extra []Field) []Field {
	fields := make([]Field, 0, len(t.fields)+len(extra)+1)
	fields = append(fields, t.fields...)
	fields = append(fields, extra...)
	return append(fields, Latency(elapsed))
}
