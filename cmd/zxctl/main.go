package main

import (
	"os"

	"github.com/zohaibxno18/zx-chat/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
