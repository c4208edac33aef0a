package main

import (
	"github.com/named-data/dsu/internal/cli"
)

func main() {
	cli.CmdDSU.Execute()
}
