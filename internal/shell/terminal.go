package shell

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

// Terminal serialises writes from shell commands and from the MQTT
// libraries' goroutines (incoming messages, disconnect notices).
type Terminal struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTerminal wraps w.
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w}
}

func (t *Terminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Write(p)
}

// Flush flushes the underlying writer if it buffers.
func (t *Terminal) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Printf writes formatted output. Write errors are ignored; there is
// nowhere else to report them.
func (t *Terminal) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(t, format, args...)
}

// Println writes args followed by a newline.
func (t *Terminal) Println(args ...any) {
	_, _ = fmt.Fprintln(t, args...)
}

var errorColor = color.New(color.FgRed)

// Error prints err in red.
func (t *Terminal) Error(err error) {
	_, _ = errorColor.Fprintf(t, "Error: %v\n", err)
}

// Clear clears the screen and moves the cursor home.
func (t *Terminal) Clear() {
	_, _ = io.WriteString(t, "\033[H\033[2J")
}
