package main

import (
	"fmt"
	"os"

	"github.com/tphakala/audiokernel/cmd"
	"github.com/tphakala/audiokernel/internal/conf"
)

func main() {
	settings := conf.Default()

	if err := cmd.RootCommand(settings).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
