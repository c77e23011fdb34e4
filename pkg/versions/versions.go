// Package versions holds build version metadata, injected at link time.
package versions

// Version is the engine version stamped into ledger documents and CLI
// output. Overridden via -ldflags at release build time.
var Version = "0.1.0-dev"
