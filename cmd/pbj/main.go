package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spherical/pbj/cmd/pbj/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		if !errors.Is(err, commands.ErrIncomplete) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
