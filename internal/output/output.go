// Package output writes human-facing progress lines.
package output

import (
	"fmt"
	"io"
	"sync"
)

// Printer serializes lines from concurrent workers onto one writer.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Printf writes one formatted line. A trailing newline is added when missing.
func (p *Printer) Printf(format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	if len(s) == 0 || s[len(s)-1] != '\n' {
		s += "\n"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.w, s)
}

// Println writes its arguments as one line.
func (p *Printer) Println(args ...any) {
	p.Printf("%s", fmt.Sprintln(args...))
}
