package main

import (
	"fmt"
	"os"

	"github.com/roach88/policysync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "policysync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
