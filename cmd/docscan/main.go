package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"

	"github.com/MeKo-Tech/docscan/cmd/docscan/cmd"
	"github.com/MeKo-Tech/docscan/internal/version"
)

func main() {
	if err := fang.Execute(
		context.Background(),
		cmd.NewRootCmd(),
		fang.WithVersion(version.String()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
