// Package ui holds the console output helpers shared by the command line
// tools.
package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	debugStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("33")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Out is where the helpers print. Tests swap it.
var Out io.Writer = os.Stdout

// RedWriter wraps an io.Writer and renders everything written in red.
type RedWriter struct{ w io.Writer }

func (r RedWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(r.w, errStyle.Render(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewRedWriter returns a RedWriter wrapping the provided io.Writer.
func NewRedWriter(w io.Writer) RedWriter { return RedWriter{w: w} }

// Debugf prints a debug message when enabled is true.
func Debugf(enabled bool, format string, a ...interface{}) {
	if enabled {
		fmt.Fprint(Out, debugStyle.Render(fmt.Sprintf("[DEBUG] "+format, a...)))
	}
}

// Greenf prints a success message.
func Greenf(format string, a ...interface{}) {
	fmt.Fprint(Out, okStyle.Render(fmt.Sprintf(format, a...)))
}

// Warningf prints a warning.
func Warningf(format string, a ...interface{}) {
	fmt.Fprint(Out, warnStyle.Render(fmt.Sprintf(format, a...)))
}

// Errorf prints an error message.
func Errorf(format string, a ...interface{}) {
	fmt.Fprint(Out, errStyle.Render(fmt.Sprintf(format, a...)))
}
