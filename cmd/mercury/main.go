// mercury is the command line client: it keeps the user's key and profile,
// registers with homes, pairs with peers and places calls.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mercury: %v\n", err)
		stop()
		os.Exit(1)
	}
}
