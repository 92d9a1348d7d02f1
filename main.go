package main

import (
	"os"

	"github.com/grafi-tt/tilemaker/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
