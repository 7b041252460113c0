package util

import (
	"fmt"
	"io"
	"os"
)

// Logger is the kernel's bare diagnostic log: Printf-only, no levels, no
// structured fields -- matching biscuit's console fmt.Printf calls
// (mem.go's Phys_init, dmap.go) rather than a structured logging library.
type Logger struct {
	Output io.Writer
}

// Printf writes a formatted diagnostic line. Silently does nothing if
// Output is nil, so a zero-value Logger is safe to use.
func (l *Logger) Printf(format string, args ...interface{}) {
	if l == nil || l.Output == nil {
		return
	}
	fmt.Fprintf(l.Output, format, args...)
}

// Klog is the default kernel log, writing to stderr. Output can be
// redirected to a buffer to capture diagnostic text.
var Klog = &Logger{Output: os.Stderr}
