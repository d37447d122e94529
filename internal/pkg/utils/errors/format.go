package errors

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	Indent = "  "
	Bullet = "- "
)

type FormatConfig struct {
	WithStack   bool
	WithUnwrap  bool
	AsSentences bool
}

type FormatOption func(c *FormatConfig)

// FormatWithStack appends the origin "[file:line]" to each message.
func FormatWithStack() FormatOption {
	return func(c *FormatConfig) {
		c.WithStack = true
	}
}

// FormatWithUnwrap writes also causes of the wrapped errors, see Wrap.
func FormatWithUnwrap() FormatOption {
	return func(c *FormatConfig) {
		c.WithUnwrap = true
	}
}

// FormatAsSentences capitalizes messages and terminates them with a dot.
func FormatAsSentences() FormatOption {
	return func(c *FormatConfig) {
		c.AsSentences = true
	}
}

// Format converts the error to string, nested and multi errors are formatted as a bullet list.
func Format(err error, opts ...FormatOption) string {
	cfg := FormatConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	w := &writer{config: cfg}
	w.writeError(0, err)
	return w.out.String()
}

type writer struct {
	config FormatConfig
	out    strings.Builder
}

func (w *writer) writeError(level int, err error) {
	if err == nil {
		panic(Errorf("error cannot be nil"))
	}

	// nolint: errorlint
	switch v := err.(type) {
	case NestedError:
		w.writeNested(level, v.MainError(), v.WrappedErrors())
	case MultiError:
		w.writeList(level, v.WrappedErrors())
	case *wrappedError:
		w.write(w.message(v.msg, v.trace))
		if w.config.WithUnwrap && v.cause != nil {
			w.write(fmt.Sprintf(" (%T):\n", v))
			w.write(strings.Repeat(Indent, level) + Bullet)
			w.writeError(level+1, v.cause)
		}
	default:
		var trace StackTrace
		if v, ok := err.(stackTracer); ok { // nolint: errorlint
			trace = v.StackTrace()
		}
		lines := strings.Split(w.message(err.Error(), trace), "\n")
		w.write(strings.Join(lines, "\n"+strings.Repeat(Indent, level)))
	}
}

func (w *writer) writeNested(level int, main error, errs []error) {
	mainStr := w.clone().formatted(level, main)
	if len(errs) == 0 {
		w.write(mainStr)
		return
	}

	prefix := strings.TrimRight(mainStr, ".,:") + ":"
	subStr := w.clone().formattedList(level, errs)

	// Break line if there are more errors or the message is too long
	if len(errs) > 1 || len(prefix)+len(subStr) > 60 || strings.Contains(subStr, "\n") {
		w.write(prefix + "\n")
		if len(errs) == 1 {
			w.write(strings.Repeat(Indent, level) + Bullet)
			w.writeError(level+1, errs[0])
		} else {
			w.writeList(level, errs)
		}
		return
	}

	w.write(prefix + " " + subStr)
}

func (w *writer) writeList(level int, errs []error) {
	if len(errs) == 1 {
		w.writeError(level, errs[0])
		return
	}
	for i, err := range errs {
		if i > 0 {
			w.write("\n")
		}
		w.write(strings.Repeat(Indent, level) + Bullet)
		w.writeError(level+1, err)
	}
}

func (w *writer) message(msg string, trace StackTrace) string {
	if w.config.AsSentences {
		msg = sentence(msg)
	}
	if w.config.WithStack {
		if file, line, ok := trace.Frame(); ok {
			msg = fmt.Sprintf("%s [%s:%d]", msg, file, line)
		}
	}
	return msg
}

func (w *writer) write(s string) {
	w.out.WriteString(s)
}

func (w *writer) clone() *writer {
	return &writer{config: w.config}
}

func (w *writer) formatted(level int, err error) string {
	w.writeError(level, err)
	return w.out.String()
}

func (w *writer) formattedList(level int, errs []error) string {
	w.writeList(level, errs)
	return w.out.String()
}

func sentence(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return msg
	}
	runes := []rune(msg)
	runes[0] = unicode.ToUpper(runes[0])
	msg = string(runes)
	if !strings.HasSuffix(msg, ".") && !strings.HasSuffix(msg, ":") {
		msg += "."
	}
	return msg
}
