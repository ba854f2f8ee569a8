package main

import (
	"context"
	"os"

	"riemann/internal/command"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(command.Run(context.Background(), os.Args[1:], command.Options{
		Build: command.BuildInfo{Version: version, Commit: commit, Date: date},
	}))
}
