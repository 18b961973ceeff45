package main

import (
	"os"

	"github.com/argus-labs/lockstep/cmd/lockstepd/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
