package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

type lineReader interface {
	ReadLine(prompt string) (string, error)
}

// canonicalLineReader relies on the terminal's cooked mode for editing.
type canonicalLineReader struct {
	reader *bufio.Reader
	output io.Writer
}

func newCanonicalLineReader(input io.Reader, output io.Writer) *canonicalLineReader {
	return &canonicalLineReader{
		reader: bufio.NewReader(input),
		output: output,
	}
}

// ReadLine returns the next line without its terminator. A final line that
// lacks a newline is returned together with io.EOF.
func (r *canonicalLineReader) ReadLine(prompt string) (string, error) {
	if prompt != "" {
		if _, err := fmt.Fprint(r.output, prompt); err != nil {
			return "", err
		}
	}
	text, err := r.reader.ReadString('\n')
	if err != nil {
		return strings.TrimRight(text, "\r\n"), err
	}
	return strings.TrimRight(text, "\r\n"), nil
}

func isTerminal(r io.Reader) bool {
	file, ok := r.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}
