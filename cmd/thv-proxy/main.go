// Package main is the entry point for the thv-proxy CLI.
package main

import (
	"fmt"
	"os"

	"github.com/stacklok/capsule-broker/cmd/thv-proxy/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "there was an error: %v\n", err)
		os.Exit(1)
	}
}
