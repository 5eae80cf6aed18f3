// Package main is the single-binary entrypoint for PeerLink.
package main

import "github.com/peerlink-network/peerlink/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
