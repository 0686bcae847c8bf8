// Package formatter provides terminal output for paasctl commands.
package formatter

import (
	"fmt"
	"strings"
)

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"

	ColorBold = "\033[1m"
	ColorDim  = "\033[2m"
)

// Icons for different message types
const (
	IconSuccess = "✓"
	IconError   = "✗"
	IconWarning = "⚠"
	IconInfo    = "→"
)

// Output provides formatted output methods. Verbosity is carried
// explicitly on the value rather than through a process-wide flag.
type Output struct {
	verbose bool
	noColor bool
}

// New creates a new Output formatter.
func New(verbose, noColor bool) *Output {
	return &Output{verbose: verbose, noColor: noColor}
}

// IsVerbose reports whether verbose output is enabled.
func (o *Output) IsVerbose() bool {
	return o.verbose
}

func (o *Output) color(color, text string) string {
	if o.noColor {
		return text
	}
	return color + text + ColorReset
}

// Success prints a success message
func (o *Output) Success(format string, args ...interface{}) {
	fmt.Printf("%s %s\n", o.color(ColorGreen, IconSuccess), fmt.Sprintf(format, args...))
}

// Error prints an error message
func (o *Output) Error(format string, args ...interface{}) {
	fmt.Printf("%s %s\n", o.color(ColorRed, IconError), fmt.Sprintf(format, args...))
}

// Warning prints a warning message
func (o *Output) Warning(format string, args ...interface{}) {
	fmt.Printf("%s %s\n", o.color(ColorYellow, IconWarning), fmt.Sprintf(format, args...))
}

// Info prints an info message
func (o *Output) Info(format string, args ...interface{}) {
	fmt.Printf("%s %s\n", o.color(ColorBlue, IconInfo), fmt.Sprintf(format, args...))
}

// Step prints a step message
func (o *Output) Step(format string, args ...interface{}) {
	fmt.Printf("%s %s\n", o.color(ColorCyan, IconInfo), fmt.Sprintf(format, args...))
}

// Verbose prints a message only if verbose mode is enabled
func (o *Output) Verbose(format string, args ...interface{}) {
	if o.verbose {
		fmt.Printf("  %s\n", o.color(ColorDim, fmt.Sprintf(format, args...)))
	}
}

// Section prints a section header
func (o *Output) Section(title string) {
	fmt.Printf("\n%s\n\n", o.color(ColorBold, "=== "+title+" ==="))
}

// KeyValue prints an indented key-value pair
func (o *Output) KeyValue(key, value string) {
	fmt.Printf("  %s: %s\n", o.color(ColorBold, key), value)
}

// Plain prints plain text without formatting
func (o *Output) Plain(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}

// Table prints a simple aligned table
func (o *Output) Table(headers []string, rows [][]string) {
	if len(rows) == 0 {
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	header := ""
	for i, h := range headers {
		header += fmt.Sprintf("%-*s  ", widths[i], h)
	}
	fmt.Println(o.color(ColorBold, header))
	fmt.Println(strings.Repeat("─", len(header)))

	for _, row := range rows {
		line := ""
		for i, cell := range row {
			if i < len(widths) {
				line += fmt.Sprintf("%-*s  ", widths[i], cell)
			}
		}
		fmt.Println(line)
	}
}
