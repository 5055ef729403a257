package main

import (
	"context"
	"os"

	"github.com/JonMunkholm/zeta/internal/cli"
)

func main() {
	root := cli.NewRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
