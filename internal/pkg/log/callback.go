package log

import (
	"go.uber.org/zap/zapcore"
)

// CallbackFn receives each entry written to a callback core.
type CallbackFn func(entry zapcore.Entry, fields []zapcore.Field)

type callbackCore struct {
	fn     CallbackFn
	fields []zapcore.Field
}

// NewCallbackCore returns a zap core which forwards all entries to the callback.
// It is used to bridge third-party zap loggers, for example the etcd client logger.
func NewCallbackCore(fn CallbackFn) zapcore.Core {
	return &callbackCore{fn: fn}
}

// NewCallbackLogger returns a Logger which forwards all messages to the callback.
func NewCallbackLogger(fn CallbackFn) Logger {
	return loggerFromZapCore(NewCallbackCore(fn))
}

func (c *callbackCore) Enabled(zapcore.Level) bool {
	return true
}

func (c *callbackCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field{}, c.fields...), fields...)
	return &clone
}

func (c *callbackCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return checked.AddCore(entry, c)
}

func (c *callbackCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	all := fields
	if len(c.fields) > 0 {
		all = append(append([]zapcore.Field{}, c.fields...), fields...)
	}
	c.fn(entry, all)
	return nil
}

func (c *callbackCore) Sync() error {
	return nil
}
