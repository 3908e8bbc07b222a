package main

import (
	"os"

	"github.com/harun/wafleet/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
