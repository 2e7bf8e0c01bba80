package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	cyan  = "\033[36m"
	dim   = "\033[2m"
)

var logoLines = [6]string{
	`     _                    _   ____            `,
	`    / \   __ _  ___ _ __ | |_| __ ) _   _ ___ `,
	`   / _ \ / _` + "`" + ` |/ _ \ '_ \| __|  _ \| | | / __|`,
	`  / ___ \ (_| |  __/ | | | |_| |_) | |_| \__ \`,
	` /_/   \_\__, |\___|_| |_|\__|____/ \__,_|___/`,
	`         |___/                                `,
}

// PrintBanner prints the AgentBus ASCII art logo with the version and bus
// endpoint below it. Colors are used only when stderr is a TTY.
func PrintBanner(ver, apiURL string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for _, line := range logoLines {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, line, reset)
		} else {
			fmt.Fprintln(os.Stderr, line)
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %sbus%s %s\n\n",
			dim, reset, ver, dim, reset, apiURL)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   bus %s\n\n", ver, apiURL)
	}
}
