// Package main is the entry point for the tunnel binary.
//
// tunnel exposes local services through the tunnel service's edge. Without
// arguments on a terminal it opens the dashboard; subcommands (login, list,
// create, up, doctor and friends) run one operation and exit.
//
// Usage:
//
//	tunnel                 # launch the dashboard
//	tunnel login           # authenticate this machine
//	tunnel create -p 3000  # create a tunnel for localhost:3000
//	tunnel up              # keep port-mapped tunnels connected
//
// The command tree lives in internal/cli and the dashboard in internal/ui.
package main

import (
	"fmt"
	"os"

	"github.com/treykane/tunnel-cli/internal/appconfig"
	"github.com/treykane/tunnel-cli/internal/cli"
	"github.com/treykane/tunnel-cli/internal/logging"
)

func main() {
	// Logging goes to a rotated file so it never corrupts the dashboard.
	// A broken config file still gets the default log settings.
	cfg, err := appconfig.Load()
	if err != nil {
		cfg = appconfig.Default()
	}
	closer := logging.Setup(cfg.Log)

	cmd := cli.NewRootCommand()
	err = cmd.Execute()
	_ = closer.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
