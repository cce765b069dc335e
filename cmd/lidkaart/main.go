package main

import (
	"fmt"
	"os"

	"lidkaart/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lidkaart:", err)
		os.Exit(1)
	}
}
