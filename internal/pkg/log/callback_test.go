package log

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"
)

func TestCallbackLogger(t *testing.T) {
	t.Parallel()

	type record struct {
		entry  zapcore.Entry
		fields int
	}
	var records []record
	logger := NewCallbackLogger(func(entry zapcore.Entry, fields []zapcore.Field) {
		entry.Time = time.Time{}
		records = append(records, record{entry: entry, fields: len(fields)})
	})

	ctx := context.Background()
	logger.Debug(ctx, "Debug message.")
	logger.WithComponent("grid").With(attribute.String("key", "foo")).Info(ctx, `Key "<key>".`)

	assert.Equal(t, []record{
		{entry: zapcore.Entry{Level: DebugLevel, Message: "Debug message."}},
		{entry: zapcore.Entry{Level: InfoLevel, LoggerName: "grid", Message: `Key "foo".`}, fields: 1},
	}, records)
}
