// Palantir is a transparent multi-tenant reverse proxy for the Anthropic
// Messages API. It authenticates tenants by domain, routes each request to
// an upstream account, relays the response byte for byte, and durably
// records the full interaction for later analysis.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("palantir", version)
		os.Exit(0)
	}

	// A local .env file is a dev convenience; absence is not an error.
	godotenv.Load() //nolint:errcheck

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
