// Package console renders the demo and verify commands' terminal output.
package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Colors follow the global lipgloss profile set by ConfigureColorProfile.
var (
	tagStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	headingStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	successIcon  = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).SetString("✓")
	failureIcon  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).SetString("✗")
)

// ConfigureColorProfile sets the global lipgloss color profile for mode
// "always", "never" or "auto". In auto mode colors are kept only when stdout
// is a terminal and NO_COLOR is unset.
func ConfigureColorProfile(mode string) {
	switch mode {
	case "always":
		lipgloss.SetColorProfile(termenv.TrueColor)
	case "never":
		lipgloss.SetColorProfile(termenv.Ascii)
	default:
		if !isTerminal(os.Stdout) || os.Getenv("NO_COLOR") != "" {
			lipgloss.SetColorProfile(termenv.Ascii)
		}
	}
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// Printer writes tagged lines such as "[CLI] Request created: <id>". It is
// safe for concurrent use.
type Printer struct {
	mu  sync.Mutex
	w   io.Writer
	tag string
}

// NewPrinter returns a printer that prefixes every line with [tag].
func NewPrinter(w io.Writer, tag string) *Printer {
	return &Printer{w: w, tag: "[" + tag + "]"}
}

func (p *Printer) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s\n", tagStyle.Render(p.tag), s)
}

// Infof prints a plain tagged line.
func (p *Printer) Infof(format string, args ...any) {
	p.line(fmt.Sprintf(format, args...))
}

// Headingf prints a section heading.
func (p *Printer) Headingf(format string, args ...any) {
	p.line(headingStyle.Render(fmt.Sprintf(format, args...)))
}

// Detailf prints a dimmed line, used for payload dumps.
func (p *Printer) Detailf(format string, args ...any) {
	p.line(dimStyle.Render(fmt.Sprintf(format, args...)))
}

// Successf prints a line marked with a check.
func (p *Printer) Successf(format string, args ...any) {
	p.line(successIcon.String() + " " + fmt.Sprintf(format, args...))
}

// Failf prints a line marked with a cross.
func (p *Printer) Failf(format string, args ...any) {
	p.line(failureIcon.String() + " " + fmt.Sprintf(format, args...))
}
