package log

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"

	"github.com/keboola/data-grid/internal/pkg/encoding/json"
)

type debugLogger struct {
	*zapLogger
	out *syncBuffer
}

// syncBuffer collects JSON lines, it can be connected to another writer.
type syncBuffer struct {
	lock      sync.Mutex
	buf       bytes.Buffer
	connected []io.Writer
}

// NewDebugLogger returns a logger that collects all messages, including debug messages, in memory as JSON lines.
func NewDebugLogger() DebugLogger {
	out := &syncBuffer{}
	core := zapcore.NewCore(LogFormatJSON.encoder(), zapcore.AddSync(out), DebugLevel)
	return &debugLogger{zapLogger: loggerFromZapCore(core), out: out}
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, w := range b.connected {
		_, _ = w.Write(p)
	}
	return b.buf.Write(p)
}

func (b *syncBuffer) connect(w io.Writer) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.connected = append(b.connected, w)
}

func (b *syncBuffer) string() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) truncate() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.buf.Reset()
}

// ConnectTo copies all following messages also to the writer, for example os.Stdout when debugging a test.
func (l *debugLogger) ConnectTo(writer io.Writer) {
	l.out.connect(writer)
}

func (l *debugLogger) Truncate() {
	l.out.truncate()
}

// AllMessages returns all JSON messages.
func (l *debugLogger) AllMessages() string {
	return l.out.string()
}

func (l *debugLogger) DebugMessages() string {
	return l.filter(DebugLevel)
}

func (l *debugLogger) InfoMessages() string {
	return l.filter(InfoLevel)
}

func (l *debugLogger) WarnMessages() string {
	return l.filter(WarnLevel)
}

func (l *debugLogger) WarnAndErrorMessages() string {
	return l.filter(WarnLevel, ErrorLevel)
}

func (l *debugLogger) ErrorMessages() string {
	return l.filter(ErrorLevel)
}

func (l *debugLogger) CompareJSONMessages(expected string) error {
	return CompareJSONMessages(expected, l.AllMessages())
}

func (l *debugLogger) AssertJSONMessages(t assert.TestingT, expected string, msgAndArgs ...any) bool {
	return AssertJSONMessages(t, expected, l.AllMessages(), msgAndArgs...)
}

func (l *debugLogger) filter(levels ...zapcore.Level) string {
	var out strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(l.AllMessages()))
	for scanner.Scan() {
		line := scanner.Text()
		var record struct {
			Level string `json:"level"`
		}
		if err := json.DecodeString(line, &record); err != nil {
			continue
		}
		for _, level := range levels {
			if record.Level == level.String() {
				out.WriteString(line)
				out.WriteString("\n")
				break
			}
		}
	}
	return out.String()
}
