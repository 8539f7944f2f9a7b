package main

import (
	"fmt"
	"os"

	"github.com/mvajha/talon/cmd/talon/commands"
)

func main() {
	if err := commands.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
