package errors

import (
	"runtime"
)

const maxStackDepth = 32

// StackTrace contains program counters of the error origin.
type StackTrace []uintptr

type stackTracer interface {
	StackTrace() StackTrace
}

func callers() StackTrace {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}

// Frame returns file and line of the error origin.
func (t StackTrace) Frame() (file string, line int, ok bool) {
	if len(t) == 0 {
		return "", 0, false
	}
	frame, _ := runtime.CallersFrames(t[:1]).Next()
	return frame.File, frame.Line, frame.File != ""
}
