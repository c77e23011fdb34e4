// Package main is the entry point for the Loki fault-injecting identity
// provider.
package main

import (
	"os"

	"github.com/lokisec/loki/cmd/loki/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
