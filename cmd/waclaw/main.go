// Command waclaw is the per-chat AI-agent router daemon.
package main

import (
	"fmt"
	"os"

	"github.com/jbhatt/waclaw/cmd/waclaw/commands"
)

// version is set by the build (-ldflags "-X main.version=...").
var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
