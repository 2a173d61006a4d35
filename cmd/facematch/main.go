package main

import (
	"os"

	"github.com/kailas-cloud/facematch/cmd/facematch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
