package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/gamzabox/transcript-formatter/internal/formatter"
)

const defaultWidth = 80

// progressPrinter writes one line per chunk request. Report is safe for
// concurrent use.
type progressPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	width  int
	header bool
}

func newProgressPrinter(out io.Writer, width int) *progressPrinter {
	return &progressPrinter{out: out, width: width}
}

func (p *progressPrinter) Report(ev formatter.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.header {
		fmt.Fprintf(p.out, "Text split into %d chunks\n", ev.Total)
		p.header = true
	}
	prefix := fmt.Sprintf("Formatting chunk %d/%d: ", ev.Index, ev.Total)
	fmt.Fprintln(p.out, prefix+preview(ev.Chunk, p.width-runewidth.StringWidth(prefix)))
}

// preview collapses whitespace and truncates text to width display columns.
func preview(text string, width int) string {
	line := strings.Join(strings.Fields(text), " ")
	if width < 4 {
		width = 4
	}
	return runewidth.Truncate(line, width, "...")
}

func terminalWidth(w io.Writer) int {
	file, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(file.Fd())) {
		return defaultWidth
	}
	width, _, err := term.GetSize(int(file.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return width
}
