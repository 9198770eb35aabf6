// Package banner writes the colored marker lines that bracket user-script
// output in job, worker, and install logs.
package banner

import (
	"fmt"
	"io"
	"strings"
)

type Color string

const (
	Red     Color = "31"
	Green   Color = "32"
	Blue    Color = "34"
	Magenta Color = "35"
)

const width = 80

// Printf writes a colored banner line.
func Printf(w io.Writer, c Color, format string, v ...any) {
	fmt.Fprintf(w, "\x1b[%sm%s\x1b[0m\n", c, fmt.Sprintf(format, v...))
}

// Rule writes a colored horizontal rule of the given character.
func Rule(w io.Writer, c Color, char string) {
	Printf(w, c, "%s", strings.Repeat(char, width))
}
