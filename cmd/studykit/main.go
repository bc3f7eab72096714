package main

import (
	"context"
	"os"

	"github.com/openresearch/studykit/internal/cli"
)

func main() {
	if err := cli.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
