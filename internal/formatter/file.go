package formatter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInputMissing indicates that the transcript file does not exist.
var ErrInputMissing = errors.New("input file not found")

// OutputPath derives the formatted file name: "talk.txt" with suffix
// "_formatted" becomes "talk_formatted.txt".
func OutputPath(input, suffix string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + suffix + ext
}

// ReadInput loads a UTF-8 transcript.
func ReadInput(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrInputMissing, path)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(data), nil
}

// FormatFile formats the transcript at input and writes the result to output.
// The output file is only created once every chunk has been formatted.
func (f *Formatter) FormatFile(ctx context.Context, input, output string) error {
	raw, err := ReadInput(input)
	if err != nil {
		return err
	}
	f.logger.Infof("formatting %s -> %s", input, output)

	formatted, err := f.Format(ctx, raw)
	if err != nil {
		return err
	}
	return WriteOutput(output, formatted)
}

// WriteOutput writes text through a temporary file in the target directory
// and renames it into place.
func WriteOutput(path, text string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(text); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write output: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write output: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
