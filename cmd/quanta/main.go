// cmd/quanta is a command-line harness for the Quanta memory store. Every
// invocation opens the configured backend, starts a MemoryEngine, runs one
// operation and shuts the engine down again.
//
// Configuration comes from --config (or QUANTA_CONFIG_FILE) and QUANTA_*
// environment variables; see internal/config. Logs go to stderr so that
// command output on stdout stays machine readable.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	log.SetOutput(os.Stderr)
	log.SetPrefix("quanta: ")
	log.SetFlags(log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
