// Package main provides the entry point for the surveydeck CLI.
package main

import (
	"os"

	"github.com/surveydeck/surveydeck/cmd/surveydeck/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
