// Package ui renders CLI output with lipgloss, falling back to plain text
// when stdout is not a terminal or NO_COLOR is set.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#22c55e")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#eab308")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ef4444")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#38bdf8"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)

	// plain disables styling entirely, including bold and underline.
	plain bool
)

func init() {
	Configure(os.Stdout)
}

// Configure picks the colour profile for w. Non-terminals and NO_COLOR get
// plain ASCII.
func Configure(w io.Writer) {
	if !IsTerminal(w) || os.Getenv("NO_COLOR") != "" {
		plain = true
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	plain = false
	lipgloss.SetColorProfile(termenv.NewOutput(w).EnvColorProfile())
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w any) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// TerminalWidth returns the width of stdout, or fallback.
func TerminalWidth(fallback int) int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return fallback
}

func render(style lipgloss.Style, s string) string {
	if plain {
		return s
	}
	return style.Render(s)
}

func RenderPass(s string) string   { return render(passStyle, s) }
func RenderWarn(s string) string   { return render(warnStyle, s) }
func RenderFail(s string) string   { return render(failStyle, s) }
func RenderAccent(s string) string { return render(accentStyle, s) }
func RenderMuted(s string) string  { return render(mutedStyle, s) }

// RenderScore colours a 0-100 health score.
func RenderScore(score, healthy int) string {
	s := fmt.Sprintf("%3d", score)
	switch {
	case score >= healthy:
		return RenderPass(s)
	case score >= healthy/2:
		return RenderWarn(s)
	default:
		return RenderFail(s)
	}
}

// Table renders rows as aligned columns under a bold header.
func Table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	line := func(cells []string, styled bool) {
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			pad := widths[i] - lipgloss.Width(cell)
			if styled {
				cell = render(headerStyle, cell)
			}
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", pad+2))
			}
		}
		b.WriteString("\n")
	}
	line(header, true)
	for _, row := range rows {
		line(row, false)
	}
	return b.String()
}
