// Burrow is the tunnel forwarder: it keeps a control channel to a relay and
// exposes a local HTTP service through it.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	relayHost := flag.String("relay", "", "relay host (overrides config)")
	ctrlPort := flag.Int("ctrl-port", 0, "relay control port (overrides config)")
	token := flag.String("token", "", "routing token (overrides config)")
	localPort := flag.Int("local", 0, "local port to expose (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("burrow", version)
		os.Exit(0)
	}

	if err := run(*configPath, *relayHost, *ctrlPort, *token, *localPort); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
