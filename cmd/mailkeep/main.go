package main

import (
	"os"

	"mailkeep/cmd/mailkeep/cmd"
)

func main() {
	os.Exit(cmd.Execute(os.Args[1:], os.Stdout, os.Stderr, &cmd.Config{}))
}
