package utils

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Ключи контекста, которые логгер умеет извлекать
type contextKey string

const (
	// RequestIDKey ключ request id в context.Context
	RequestIDKey contextKey = "request_id"
	// UserIDKey ключ идентификатора пользователя в context.Context
	UserIDKey contextKey = "user_id"
)

// Logger обертка над logrus с цепочечным API полей
type Logger struct {
	entry *logrus.Entry
}

// NewLogger создает новый логгер
// level: debug|info|warn|error|fatal, format: json|text
func NewLogger(level, format string) *Logger {
	return newLogger(level, format, os.Stdout)
}

// NewLoggerWithOutput создает логгер с произвольным writer (используется в тестах)
func NewLoggerWithOutput(level, format string, out io.Writer) *Logger {
	return newLogger(level, format, out)
}

func newLogger(level, format string, out io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(out)

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	if strings.ToLower(format) == "json" {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	// Информация о вызывающем коде только в debug
	base.SetReportCaller(lvl >= logrus.DebugLevel)

	return &Logger{entry: logrus.NewEntry(base)}
}

// WithField добавляет поле к логгеру
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields добавляет несколько полей к логгеру
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithError добавляет ошибку
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// WithContext добавляет request id и user id из контекста
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}
	entry := l.entry.WithContext(ctx)
	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		entry = entry.WithField(string(RequestIDKey), v)
	}
	if v, ok := ctx.Value(UserIDKey).(string); ok && v != "" {
		entry = entry.WithField(string(UserIDKey), v)
	}
	return &Logger{entry: entry}
}

// Logrus возвращает нижележащий logrus.Logger
func (l *Logger) Logrus() *logrus.Logger {
	return l.entry.Logger
}

// Debug логирует сообщение уровня debug
func (l *Logger) Debug(msg string) {
	l.entry.Debug(msg)
}

// Debugf логирует форматированное сообщение уровня debug
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

// Info логирует сообщение уровня info
func (l *Logger) Info(msg string) {
	l.entry.Info(msg)
}

// Infof логирует форматированное сообщение уровня info
func (l *Logger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

// Warn логирует сообщение уровня warn
func (l *Logger) Warn(msg string) {
	l.entry.Warn(msg)
}

// Warnf логирует форматированное сообщение уровня warn
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

// Error логирует сообщение уровня error
func (l *Logger) Error(msg string) {
	l.entry.Error(msg)
}

// Errorf логирует форматированное сообщение уровня error
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

// Fatal логирует сообщение уровня fatal и завершает программу
func (l *Logger) Fatal(msg string) {
	l.entry.Fatal(msg)
}

// Fatalf логирует форматированное сообщение уровня fatal и завершает программу
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.entry.Fatalf(format, args...)
}
