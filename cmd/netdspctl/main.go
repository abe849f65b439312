package main

import (
	"os"

	"github.com/netdsp/netdsp/cmd/netdspctl/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
