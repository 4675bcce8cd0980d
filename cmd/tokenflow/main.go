package main

import (
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/davidroman0O/tokenflow/cmd/tokenflow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
