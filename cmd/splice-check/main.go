// Package main is the entry point for the splice-check token-exchange
// conformance scanner.
package main

import (
	"os"

	"github.com/lokisec/loki/cmd/splice-check/app"
)

func main() {
	os.Exit(app.Execute())
}
