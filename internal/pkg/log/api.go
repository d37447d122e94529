package log

import (
	"context"
	"io"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"
)

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
)

// Logger is the logging interface used by all grid components.
// Attributes from the context (see ctxattr package) and from Logger.With are added to each message.
// A message may contain <key> placeholders, they are replaced by the value of the attribute with the key.
type Logger interface {
	contextLogger
	withAttributes
}

// DebugLogger returns logs as string in tests.
type DebugLogger interface {
	Logger
	ConnectTo(writer io.Writer)
	Truncate()
	AllMessages() string
	DebugMessages() string
	InfoMessages() string
	WarnMessages() string
	WarnAndErrorMessages() string
	ErrorMessages() string

	CompareJSONMessages(expected string) error
	AssertJSONMessages(t assert.TestingT, expected string, msgAndArgs ...any) bool
}

type contextLogger interface {
	Debug(ctx context.Context, message string)
	Info(ctx context.Context, message string)
	Warn(ctx context.Context, message string)
	Error(ctx context.Context, message string)
	Log(ctx context.Context, level string, message string)

	Debugf(ctx context.Context, template string, args ...any)
	Infof(ctx context.Context, template string, args ...any)
	Warnf(ctx context.Context, template string, args ...any)
	Errorf(ctx context.Context, template string, args ...any)
	Logf(ctx context.Context, level string, template string, args ...any)

	Sync() error
}

type withAttributes interface {
	// With returns a logger with additional attributes.
	With(attrs ...attribute.KeyValue) Logger
	// WithComponent returns a logger with the component appended to the existing component, separated by a dot.
	WithComponent(component string) Logger
	// WithDuration returns a logger with the "duration" attribute.
	WithDuration(v time.Duration) Logger
}
