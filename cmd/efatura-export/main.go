package main

import (
	"os"

	"github.com/bwb-tools/efatura-export/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
