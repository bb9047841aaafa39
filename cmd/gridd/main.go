package main

import (
	"os"

	"github.com/koprogo/greengrid/cmd/gridd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
