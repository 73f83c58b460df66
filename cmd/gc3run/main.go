package main

import (
	"fmt"
	"os"

	"github.com/alphauslabs/gridrunner/cmd/gc3run/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
