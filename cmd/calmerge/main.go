package main

import (
	"context"
	"os"

	"calmerge/internal/cli"
	appLog "calmerge/internal/log"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		appLog.Error("calmerge failed", err)
		os.Exit(1)
	}
}
