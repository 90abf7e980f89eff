package terminal

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// getColorableWriter returns a writer that is capable of interpreting ANSI
// escape codes for terminal colors.
func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}

// isDumb returns true if output should not contain escape codes, either
// because TERM says so or because stdout is not a terminal.
func isDumb() bool {
	if strings.ToLower(os.Getenv("TERM")) == "dumb" {
		return true
	}
	return !isatty.IsTerminal(os.Stdout.Fd())
}
