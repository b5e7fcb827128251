package main

import (
	"fmt"
	"os"

	"github.com/scan2doc/scan2doc/cmd/scan2doc/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
