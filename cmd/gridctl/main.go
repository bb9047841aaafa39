package main

import (
	"os"

	"github.com/koprogo/greengrid/cmd/gridctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
