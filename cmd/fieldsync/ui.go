package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

// colorOutput is false when stdout is piped, so scripts get plain text.
var colorOutput = term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == ""

func render(style lipgloss.Style, s string) string {
	if !colorOutput {
		return s
	}
	return style.Render(s)
}

func renderPass(s string) string   { return render(passStyle, s) }
func renderWarn(s string) string   { return render(warnStyle, s) }
func renderFail(s string) string   { return render(failStyle, s) }
func renderAccent(s string) string { return render(accentStyle, s) }
func renderMuted(s string) string  { return render(mutedStyle, s) }
func renderTitle(s string) string  { return render(titleStyle, s) }

// terminalWidth returns the stdout width, or 100 when it is not a terminal.
func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 100
}

// truncate shortens s to n runes with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 1 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
