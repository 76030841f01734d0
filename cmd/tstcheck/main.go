// Command tstcheck checks the RFC 3161 signature timestamps embedded in CMS
// signatures.
//
// Usage:
//
//	tstcheck <command> [options] <args>
//
// Commands:
//
//	analyze  Check the timestamps embedded in CMS signatures
//	version  Show version information
//	help     Show help message
//
// Examples:
//
//	# Analyze a detached signature
//	tstcheck analyze signature.p7s
//
//	# Analyze several signatures with JSON output
//	tstcheck analyze -json sig1.p7s sig2.p7s
package main

import (
	"os"

	"github.com/georgepadayatti/tstcheck/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/tstcheck
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Set version info
	cli.Version = version
	cli.BuildTime = buildTime

	// Run the CLI
	cli.Run(os.Args)
}
