package cmds

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const (
	addrColorEscapeCode = "\033[34m"
	resetEscapeCode     = "\033[0m"
)

// output writes the results of a command, highlighting addresses when
// writing to a terminal.
type output struct {
	w     io.Writer
	color bool
}

func newOutput(cmd *cobra.Command) *output {
	w := cmd.OutOrStdout()
	out := &output{w: w}
	if f, ok := w.(*os.File); ok && !conf.NoColor && isatty.IsTerminal(f.Fd()) && !strings.EqualFold(os.Getenv("TERM"), "dumb") {
		out.w = colorable.NewColorable(f)
		out.color = true
	}
	return out
}

func (out *output) Write(p []byte) (int, error) {
	return out.w.Write(p)
}

func (out *output) addr(addr uint64) string {
	if !out.color {
		return fmt.Sprintf("%#016x", addr)
	}
	return fmt.Sprintf("%s%#016x%s", addrColorEscapeCode, addr, resetEscapeCode)
}

func (out *output) table() *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
}
