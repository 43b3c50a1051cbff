// Package streamutil consumes reply streams and renders chat histories.
package streamutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"easyaikit/internal/session"
)

// CopyStream writes every chunk to w as it arrives and returns the full text.
// The stream is always drained, even after a write error.
func CopyStream(w io.Writer, chunks <-chan string, errs <-chan error) (string, error) {
	var b strings.Builder
	var writeErr error
	for c := range chunks {
		b.WriteString(c)
		if writeErr == nil {
			_, writeErr = io.WriteString(w, c)
		}
	}
	if err := <-errs; err != nil {
		return b.String(), err
	}
	return b.String(), writeErr
}

// PrintStreamToConsole prints chunks to stdout as they arrive, then end
func PrintStreamToConsole(chunks <-chan string, errs <-chan error, end string) (string, error) {
	text, err := CopyStream(os.Stdout, chunks, errs)
	fmt.Fprint(os.Stdout, end)
	return text, err
}

// SaveStreamToFile writes the stream to path, creating parent directories
func SaveStreamToFile(chunks <-chan string, errs <-chan error, path string) (string, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			drain(chunks, errs)
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		drain(chunks, errs)
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}

	text, err := CopyStream(f, chunks, errs)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close %s: %w", path, cerr)
	}
	return text, err
}

// StreamWithCallback calls fn for every chunk and returns the full text
func StreamWithCallback(chunks <-chan string, errs <-chan error, fn func(chunk string)) (string, error) {
	var b strings.Builder
	for c := range chunks {
		b.WriteString(c)
		if fn != nil {
			fn(c)
		}
	}
	return b.String(), <-errs
}

// FormatHistory renders messages as "[role]: content" blocks
func FormatHistory(history []session.Message) string {
	var b strings.Builder
	for i, m := range history {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]: %s", m.Role, m.Content)
	}
	return b.String()
}

func drain(chunks <-chan string, errs <-chan error) {
	for range chunks {
	}
	<-errs
}
