package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	headerColor  = color.New(color.Bold)
	nameColor    = color.New(color.FgCyan)
	valueColor   = color.New(color.FgGreen)
	dimColor     = color.New(color.Faint)
	warningColor = color.New(color.FgYellow)
)

const defaultTerminalWidth = 120

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// terminalWidth is the column count of w, or a default for pipes and buffers.
func terminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return defaultTerminalWidth
}

// truncate shortens s to max runes, marking the cut with "...".
func truncate(s string, max int) string {
	r := []rune(s)
	if max <= 3 || len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
