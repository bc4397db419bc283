package main

import (
	"context"
	"fmt"
	"os"

	"openwhen/internal/cli"
)

var version = "dev"

func main() {
	cmd := cli.NewRootCommand(version)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "openwhen:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
