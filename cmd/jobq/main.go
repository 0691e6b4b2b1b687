package main

import (
	"context"
	"os"

	cmdutil "github.com/leg100/jobq/cmd"
	"github.com/leg100/jobq/internal/cli"
)

func main() {
	// Configure ^C to terminate program
	ctx, cancel := cmdutil.CatchCtrlC(context.Background())
	defer cancel()

	if err := cli.NewCLI().Run(ctx, os.Args[1:], os.Stdout); err != nil {
		cmdutil.PrintError(err)
		os.Exit(1)
	}
}
