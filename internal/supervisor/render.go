package supervisor

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/cochaviz/winbake/internal/messaging"
	"github.com/mattn/go-isatty"
)

// Renderer shows build messages to a user.
type Renderer interface {
	Render(msg messaging.Message)
	// Flush finishes any partially drawn line.
	Flush()
}

// NewRenderer picks a terminal renderer when w is a TTY and a line-oriented
// one otherwise.
func NewRenderer(w io.Writer) Renderer {
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return &TerminalRenderer{Writer: w}
	}
	return &PlainRenderer{Writer: w}
}

// PlainRenderer writes one line per message, suitable for logs and pipes.
type PlainRenderer struct {
	Writer io.Writer
	// Progress includes progress messages, which are dropped by default.
	Progress bool

	mu sync.Mutex
}

func (r *PlainRenderer) Render(msg messaging.Message) {
	if msg.Level == messaging.LevelProgress && !r.Progress {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.Writer, "%s %-8s %s\n", msg.Time.UTC().Format("15:04:05"), strings.ToUpper(string(msg.Level)), msg.Text)
}

func (r *PlainRenderer) Flush() {}

// TerminalRenderer keeps progress on a single rewritten line.
type TerminalRenderer struct {
	Writer io.Writer

	mu       sync.Mutex
	progress bool
}

func (r *TerminalRenderer) Render(msg messaging.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.Level == messaging.LevelProgress {
		fmt.Fprintf(r.Writer, "\r\033[K%s %s", symbol(msg.Level), msg.Text)
		r.progress = true
		return
	}
	if r.progress {
		io.WriteString(r.Writer, "\r\033[K")
		r.progress = false
	}
	fmt.Fprintf(r.Writer, "%s %s\n", symbol(msg.Level), msg.Text)
}

func (r *TerminalRenderer) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.progress {
		io.WriteString(r.Writer, "\n")
		r.progress = false
	}
}

func symbol(level messaging.Level) string {
	switch level {
	case messaging.LevelProgress:
		return "…"
	case messaging.LevelWarning:
		return "!"
	case messaging.LevelError:
		return "✗"
	case messaging.LevelSuccess:
		return "✓"
	default:
		return "·"
	}
}
