package main

import (
	"os"

	"github.com/firefrp/firefrp/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
