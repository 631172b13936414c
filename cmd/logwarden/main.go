// Package main provides the TUI entry point for LogWarden
package main

import (
	"flag"
	"fmt"
	"os"

	"logwarden/internal/tui"
)

var (
	version = "dev"
)

func main() {
	var (
		showVersion bool
		serverURL   string
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.StringVar(&serverURL, "server", "http://localhost:8080", "LogWarden server URL")
	flag.StringVar(&serverURL, "s", "http://localhost:8080", "LogWarden server URL (shorthand)")
	flag.Parse()

	if showVersion {
		fmt.Printf("logwarden %s\n", version)
		os.Exit(0)
	}

	// Print startup banner
	fmt.Println("Starting LogWarden TUI...")
	fmt.Printf("Connecting to: %s\n", serverURL)

	if err := tui.Run(serverURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
