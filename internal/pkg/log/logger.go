package log

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/keboola/data-grid/internal/pkg/ctxattr"
)

// zapLogger is the default implementation of the Logger interface.
type zapLogger struct {
	core      zapcore.Core
	component string
	attrs     []attribute.KeyValue
}

func loggerFromZapCore(core zapcore.Core) *zapLogger {
	return &zapLogger{core: core}
}

func (l *zapLogger) With(attrs ...attribute.KeyValue) Logger {
	clone := *l
	clone.attrs = make([]attribute.KeyValue, 0, len(l.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, l.attrs...)
	clone.attrs = append(clone.attrs, attrs...)
	return &clone
}

func (l *zapLogger) WithComponent(component string) Logger {
	clone := *l
	if clone.component == "" {
		clone.component = component
	} else {
		clone.component += "." + component
	}
	return &clone
}

func (l *zapLogger) WithDuration(v time.Duration) Logger {
	return l.With(attribute.String("duration", v.String()))
}

func (l *zapLogger) Debug(ctx context.Context, message string) {
	l.log(ctx, DebugLevel, message)
}

func (l *zapLogger) Info(ctx context.Context, message string) {
	l.log(ctx, InfoLevel, message)
}

func (l *zapLogger) Warn(ctx context.Context, message string) {
	l.log(ctx, WarnLevel, message)
}

func (l *zapLogger) Error(ctx context.Context, message string) {
	l.log(ctx, ErrorLevel, message)
}

func (l *zapLogger) Log(ctx context.Context, level string, message string) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = InfoLevel
	}
	l.log(ctx, lvl, message)
}

func (l *zapLogger) Debugf(ctx context.Context, template string, args ...any) {
	l.log(ctx, DebugLevel, fmt.Sprintf(template, args...))
}

func (l *zapLogger) Infof(ctx context.Context, template string, args ...any) {
	l.log(ctx, InfoLevel, fmt.Sprintf(template, args...))
}

func (l *zapLogger) Warnf(ctx context.Context, template string, args ...any) {
	l.log(ctx, WarnLevel, fmt.Sprintf(template, args...))
}

func (l *zapLogger) Errorf(ctx context.Context, template string, args ...any) {
	l.log(ctx, ErrorLevel, fmt.Sprintf(template, args...))
}

func (l *zapLogger) Logf(ctx context.Context, level string, template string, args ...any) {
	l.Log(ctx, level, fmt.Sprintf(template, args...))
}

func (l *zapLogger) Sync() error {
	return l.core.Sync()
}

func (l *zapLogger) log(ctx context.Context, level zapcore.Level, message string) {
	if !l.core.Enabled(level) {
		return
	}

	// Logger attributes take precedence over the context attributes
	ctxAttrs := ctxattr.Attributes(ctx).ToSlice()
	merged := attribute.NewSet(append(ctxAttrs, l.attrs...)...)

	entry := zapcore.Entry{
		Level:      level,
		Time:       time.Now(),
		LoggerName: l.component,
		Message:    replacePlaceholders(message, &merged),
	}

	if checked := l.core.Check(entry, nil); checked != nil {
		checked.Write(attributesToFields(&merged)...)
	}
}

// replacePlaceholders replaces <key> placeholders in the message by attribute values.
func replacePlaceholders(message string, attrs *attribute.Set) string {
	if attrs.Len() == 0 || !strings.Contains(message, "<") {
		return message
	}

	pairs := make([]string, 0, attrs.Len()*2)
	for iter := attrs.Iter(); iter.Next(); {
		kv := iter.Attribute()
		pairs = append(pairs, "<"+string(kv.Key)+">", kv.Value.Emit())
	}
	return strings.NewReplacer(pairs...).Replace(message)
}

func attributesToFields(attrs *attribute.Set) []zap.Field {
	fields := make([]zap.Field, 0, attrs.Len())
	for iter := attrs.Iter(); iter.Next(); {
		kv := iter.Attribute()
		key := string(kv.Key)
		switch kv.Value.Type() {
		case attribute.BOOL:
			fields = append(fields, zap.Bool(key, kv.Value.AsBool()))
		case attribute.INT64:
			fields = append(fields, zap.Int64(key, kv.Value.AsInt64()))
		case attribute.FLOAT64:
			fields = append(fields, zap.Float64(key, kv.Value.AsFloat64()))
		case attribute.STRING:
			fields = append(fields, zap.String(key, kv.Value.AsString()))
		default:
			fields = append(fields, zap.String(key, kv.Value.Emit()))
		}
	}
	return fields
}
