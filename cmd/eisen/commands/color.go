package commands

import (
	"io"

	"github.com/fatih/color"
)

// statusf prints a colored status line to w, mirroring the
// color.New(fg).Fprintf idiom codefang's uast validate command uses for its
// pass/fail output. color.NoColor (toggled by --no-color on the root
// command) is a package-level global, so every subcommand's status output
// respects the same flag without threading a flag value through each one.
func statusf(w io.Writer, fg color.Attribute, format string, args ...any) {
	color.New(fg).Fprintf(w, format, args...)
}

func infof(w io.Writer, format string, args ...any) { statusf(w, color.FgCyan, format, args...) }
func okf(w io.Writer, format string, args ...any)   { statusf(w, color.FgGreen, format, args...) }
