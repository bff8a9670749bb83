// Package report renders patchguard results for the terminal or a build log.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/kingrea/patchguard/internal/patch"
)

// Printer writes results, styled when the destination is a terminal.
type Printer struct {
	out    io.Writer
	styled bool
}

// New returns a printer for out. Styling is enabled only for terminals.
func New(out io.Writer) *Printer {
	return &Printer{out: out, styled: isTerminal(out)}
}

// NewPlain returns a printer that never styles output.
func NewPlain(out io.Writer) *Printer {
	return &Printer{out: out}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD787"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F0C674"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
)

func (p *Printer) paint(style lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return style.Render(text)
}

func (p *Printer) statusStyle(status string) lipgloss.Style {
	switch status {
	// StatusApplied and StateApplied share the value "applied".
	case string(patch.StatusApplied):
		return okStyle
	case string(patch.StatusFailed), string(patch.StateMissingInput):
		return errorStyle
	case string(patch.StatusPlanned), string(patch.StatePending):
		return warnStyle
	default:
		return mutedStyle
	}
}

// Results prints one line per processed entry.
func (p *Printer) Results(results []patch.Result) {
	fmt.Fprintln(p.out, p.paint(headerStyle, "patchguard"))
	if len(results) == 0 {
		fmt.Fprintln(p.out, p.paint(mutedStyle, "  no patches configured"))
		return
	}
	width := nameWidth(len(results), func(i int) string { return results[i].Entry.Name })
	for _, r := range results {
		detail := r.Message
		switch r.Status {
		case patch.StatusSkipped:
			detail = "already patched"
		case patch.StatusDisabled:
			detail = "disabled in config"
		}
		p.line(width, r.Entry.Name, string(r.Status), detail)
	}
}

// Row is one line of the status table.
type Row struct {
	Name   string
	State  patch.State
	Target string
}

// Status prints the state of every entry followed by journal history.
func (p *Printer) Status(rows []Row, history []string, total int) {
	fmt.Fprintln(p.out, p.paint(headerStyle, "patchguard status"))
	width := nameWidth(len(rows), func(i int) string { return rows[i].Name })
	for _, r := range rows {
		p.line(width, r.Name, string(r.State), r.Target)
	}
	if len(history) == 0 {
		return
	}
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, p.paint(headerStyle, fmt.Sprintf("journal (last %d of %d)", len(history), total)))
	for _, line := range history {
		fmt.Fprintln(p.out, "  "+p.paint(mutedStyle, line))
	}
}

// Error prints a fatal error line.
func (p *Printer) Error(err error) {
	fmt.Fprintln(p.out, p.paint(errorStyle, "error: ")+err.Error())
}

func (p *Printer) line(width int, name, status, detail string) {
	label := fmt.Sprintf("%-*s", width, name)
	state := fmt.Sprintf("%-13s", status)
	text := "  " + label + "  " + p.paint(p.statusStyle(status), state)
	if detail = strings.TrimSpace(detail); detail != "" {
		text += " " + p.paint(mutedStyle, detail)
	}
	fmt.Fprintln(p.out, strings.TrimRight(text, " "))
}

func nameWidth(n int, name func(int) string) int {
	width := 0
	for i := 0; i < n; i++ {
		if w := lipgloss.Width(name(i)); w > width {
			width = w
		}
	}
	return width
}
