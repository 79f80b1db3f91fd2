package main

import (
	"os"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	keyword   = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Render
	paragraph = lipgloss.NewStyle().Width(78).Padding(0, 0, 0, 2).Render
	faint     = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262")).Render
)

// isTerminal reports whether stdout is a terminal.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd())) //nolint:gosec
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) //nolint:gosec
}

// terminalWidth returns the width of stdout, capped at 120.
func terminalWidth() int {
	width := 80
	if isTerminal() {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil { //nolint:gosec
			width = w
		}
	}
	return min(width, 120)
}

// copyToClipboard writes s through OSC 52, which also works over ssh, and
// through the system clipboard.
func copyToClipboard(s string) {
	termenv.Copy(s)
	_ = clipboard.WriteAll(s)
}
