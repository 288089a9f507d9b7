package ui

import (
	"io"

	"golang.org/x/term"
)

// TerminalWidth reports the column count of w when it is a terminal.
func TerminalWidth(w io.Writer) (int, bool) {
	type fdProvider interface {
		Fd() uintptr
	}
	if v, ok := w.(fdProvider); ok {
		if cols, _, err := term.GetSize(int(v.Fd())); err == nil {
			return cols, true
		}
	}
	return 0, false
}

// IsTerminal reports whether w is attached to a terminal. The live
// console and color output are disabled when it is not.
func IsTerminal(w io.Writer) bool {
	type fdProvider interface {
		Fd() uintptr
	}
	if v, ok := w.(fdProvider); ok {
		return term.IsTerminal(int(v.Fd()))
	}
	return false
}
