// Package main is the entry point for udprec, a UDP traffic recorder and replayer.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/udprec/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
