// Package main provides the eisen CLI entry point.
package main

import (
	"errors"
	"os"

	"github.com/fatih/color"

	"github.com/eisen-labs/eisen-core/cmd/eisen/commands"
)

func main() {
	root := commands.NewRootCommand()
	err := root.Execute()
	if err == nil {
		return
	}

	var exitErr *commands.ExitError
	if errors.As(err, &exitErr) {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", exitErr.Err)
		os.Exit(exitErr.Code)
	}

	color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(commands.ExitArgumentError)
}
