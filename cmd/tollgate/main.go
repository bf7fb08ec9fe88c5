// Tollgate is a multi-tenant LLM gateway that routes vendor-protocol API
// traffic across configured upstreams with failover, sticky sessions, and
// per-request billing.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	// Best effort: a missing .env is not an error.
	_ = godotenv.Load()

	configPath := flag.String("config", "configs/tollgate.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("tollgate", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
