// Package pkglog is the worker's logger: the teacher's own plain
// log.Printf/log.Fatal idiom (see internal/build/build.go), with level
// prefixes colorized only when the destination is an interactive terminal,
// using github.com/mattn/go-isatty — a direct teacher dependency the
// teacher's own committed source never ends up calling, so this is its one
// wiring point in this rework.
package pkglog

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/mattn/go-isatty"
)

var (
	std   = log.New(os.Stderr, "", log.LstdFlags)
	color = isTerminal(os.Stderr)
)

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetOutput redirects the logger, recomputing whether color prefixes apply.
func SetOutput(w io.Writer) {
	std.SetOutput(w)
	if f, ok := w.(*os.File); ok {
		color = isTerminal(f)
	} else {
		color = false
	}
}

func prefix(level, ansi string) string {
	if !color {
		return level + ": "
	}
	return "\x1b[" + ansi + "m" + level + "\x1b[0m: "
}

// Infof logs an informational message (spec.md's "logged" operations that
// are not themselves failures, e.g. a successful lists refresh).
func Infof(format string, args ...interface{}) {
	std.Print(prefix("INFO", "36") + fmt.Sprintf(format, args...))
}

// Errorf logs an error that does not abort the worker (spec.md §7: a
// failure reply is sent to the client, but the dispatch loop continues).
func Errorf(format string, args ...interface{}) {
	std.Print(prefix("ERROR", "31") + fmt.Sprintf(format, args...))
}

// Fatalf logs and exits 1, for setup errors before the dispatch loop starts
// (spec.md §6 exit code 1).
func Fatalf(format string, args ...interface{}) {
	std.Fatal(prefix("FATAL", "31") + fmt.Sprintf(format, args...))
}
