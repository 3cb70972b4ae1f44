package main

import (
	"os"

	"github.com/sergei-grechanik/ikup/internal/cli"
)

func main() {
	os.Exit(cli.Main())
}
