package main

import (
	"fmt"
	"os"

	"github.com/marcus/foreman/cmd/foreman/cmd"
)

// Version is set at build time via ldflags.
var Version = "devel"

func main() {
	cmd.SetVersion(Version)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
