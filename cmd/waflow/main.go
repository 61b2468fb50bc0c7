package main

import (
	"os"

	"github.com/drblury/waflow/cmd/waflow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
