// Palantir-worker is the standalone conversation analysis worker. It claims
// pending jobs from the shared database, builds a budgeted prompt from each
// recorded conversation, calls the analysis model, and stores the result.
// Running it alongside proxies embedding the same loop is safe: job claims
// are atomic.
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
		fmt.Println("palantir-worker", version)
		os.Exit(0)
	}

	godotenv.Load() //nolint:errcheck

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
