package main

import (
	"os"

	"github.com/gonzalop/ftpd/cmd/ftpd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		commands.PrintErr("Error: %v", err)
		os.Exit(1)
	}
}
