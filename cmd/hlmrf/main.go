package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hlmrf/hlmrf/cmd"
	"github.com/hlmrf/hlmrf/cmd/rewrite"
	"github.com/hlmrf/hlmrf/cmd/run"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	runCmd := run.NewRunCommand()
	rootCmd.AddCommand(runCmd)

	rewriteCmd := rewrite.NewRewriteCommand()
	rootCmd.AddCommand(rewriteCmd)

	versionCmd := cmd.NewVersionCommand()
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
