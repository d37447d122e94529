package log

import (
	"io"

	"go.uber.org/zap/zapcore"
)

// NewServiceLogger creates a logger for a long-running grid node.
// Debug messages are written only if the debug flag is set.
func NewServiceLogger(w io.Writer, format LogFormat, debug bool) Logger {
	level := InfoLevel
	if debug {
		level = DebugLevel
	}
	return loggerFromZapCore(zapcore.NewCore(format.encoder(), zapcore.Lock(zapcore.AddSync(w)), level))
}

// NewNopLogger returns a logger that discards all messages.
func NewNopLogger() Logger {
	return loggerFromZapCore(zapcore.NewNopCore())
}
