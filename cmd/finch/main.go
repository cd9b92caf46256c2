// Command finch is an offline-first personal finance tracker.
//
// Mutations are applied to a local SQLite cache immediately and queued
// for transmission; a background daemon reconciles the cache with the
// remote API whenever connectivity allows.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
