package log

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/data-grid/internal/pkg/ctxattr"
)

func TestServiceLogger_Debug(t *testing.T) {
	t.Parallel()

	cases := []struct {
		debug    bool
		expected string
	}{
		{
			debug: false,
			expected: `
{"level":"info","message":"Info msg"}
{"level":"warn","message":"Warn msg"}
{"level":"error","message":"Error msg"}
`,
		},
		{
			debug: true,
			expected: `
{"level":"debug","message":"Debug msg"}
{"level":"info","message":"Info msg"}
{"level":"warn","message":"Warn msg"}
{"level":"error","message":"Error msg"}
`,
		},
	}

	for _, tc := range cases {
		var out strings.Builder
		logger := NewServiceLogger(&out, LogFormatJSON, tc.debug)

		ctx := context.Background()
		logger.Debug(ctx, "Debug msg")
		logger.Info(ctx, "Info msg")
		logger.Warn(ctx, "Warn msg")
		logger.Error(ctx, "Error msg")

		AssertJSONMessages(t, tc.expected, out.String())
		assert.Equal(t, strings.Count(strings.TrimSpace(tc.expected), "\n")+1, strings.Count(out.String(), "\n"))
	}
}

func TestServiceLogger_Console(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	logger := NewServiceLogger(&out, LogFormatConsole, false).WithComponent("grid").WithComponent("rehash")
	logger.Info(context.Background(), "Rehash started")

	line := out.String()
	assert.Contains(t, line, "INFO")
	assert.Contains(t, line, "grid.rehash")
	assert.Contains(t, line, "Rehash started")
}

func TestLogger_AttributesAndPlaceholders(t *testing.T) {
	t.Parallel()

	logger := NewDebugLogger()
	ctx := ctxattr.ContextWith(context.Background(), attribute.String("node", "node-1"), attribute.Int("segment", 3))

	logger.
		WithComponent("grid").
		With(attribute.Int("segment", 7)).
		WithDuration(1500*time.Millisecond).
		Infof(ctx, `Segment "<segment>" moved to %s by "<node>"`, "node-2")

	logger.AssertJSONMessages(t, `
{"level":"info","component":"grid","message":"Segment \"7\" moved to node-2 by \"node-1\"","node":"node-1","segment":7,"duration":"1.5s"}
`)
}

func TestDebugLogger_Levels(t *testing.T) {
	t.Parallel()

	logger := NewDebugLogger()
	ctx := context.Background()
	logger.Debug(ctx, "debug")
	logger.Info(ctx, "info")
	logger.Warn(ctx, "warn")
	logger.Log(ctx, "error", "error")

	assert.Equal(t, 1, strings.Count(logger.DebugMessages(), "\n"))
	assert.Equal(t, 1, strings.Count(logger.InfoMessages(), "\n"))
	assert.Equal(t, 1, strings.Count(logger.WarnMessages(), "\n"))
	assert.Equal(t, 1, strings.Count(logger.ErrorMessages(), "\n"))
	assert.Equal(t, 2, strings.Count(logger.WarnAndErrorMessages(), "\n"))
	assert.Equal(t, 4, strings.Count(logger.AllMessages(), "\n"))

	logger.Truncate()
	assert.Empty(t, logger.AllMessages())
}

func TestDebugLogger_ConnectTo(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	logger := NewDebugLogger()
	logger.ConnectTo(&out)
	logger.Info(context.Background(), "msg")
	assert.Equal(t, logger.AllMessages(), out.String())
}

func TestCompareJSONMessages(t *testing.T) {
	t.Parallel()

	actual := `
{"level":"info","message":"Node \"node-1\" joined","extra":"value"}
{"level":"debug","message":"something else"}
{"level":"warn","message":"Segment 5 lost"}
`

	require.NoError(t, CompareJSONMessages(`
{"level":"info","message":"Node %s joined"}
{"level":"warn","message":"Segment %d lost"}
`, actual))

	// Order matters
	err := CompareJSONMessages(`
{"level":"warn","message":"Segment %d lost"}
{"level":"info","message":"Node %s joined"}
`, actual)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Expected:")

	// Invalid expected JSON
	require.Error(t, CompareJSONMessages(`{`, actual))
}

func TestNopLogger(t *testing.T) {
	t.Parallel()
	logger := NewNopLogger()
	logger.Info(context.Background(), "msg")
	require.NoError(t, logger.Sync())
}

func TestNewLogFormat(t *testing.T) {
	t.Parallel()

	f, err := NewLogFormat("json")
	require.NoError(t, err)
	assert.Equal(t, LogFormatJSON, f)

	f, err = NewLogFormat("foo")
	require.Error(t, err)
	assert.Equal(t, LogFormatConsole, f)
}
