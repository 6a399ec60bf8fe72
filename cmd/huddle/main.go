// Package main is the entry point for the huddle CLI.
package main

import (
	"fmt"
	"os"

	"github.com/KafClaw/huddle/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
