package main

import (
	"fmt"
	"os"
)

// ANSI colors for terminal feedback. Status lines go to stderr so command
// output (search results, config dumps) stays pipeable.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// emit prints one feedback line with a colored marker prefix.
func emit(color, marker, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, marker+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { emit(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { emit(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { emit(colorYellow, "⚠", format, args...) }
func printStep(format string, args ...any)    { emit(colorCyan, "→", format, args...) }

// printStatus renders an indented "Label: value" line for status reports.
func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
