// Package main provides the entry point for the synthkit CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/raphaelgruber/synthkit/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
