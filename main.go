package main

import (
	"machine-watch/internal/cli"
)

func main() {
	cli.Execute()
}
