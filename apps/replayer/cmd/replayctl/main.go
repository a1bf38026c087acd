package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/antinvestor/parity/apps/replayer/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cli.NewRoot().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "replayctl:", err)
		stop()
		os.Exit(1)
	}
}
