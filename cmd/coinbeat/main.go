package main

import (
	_ "time/tzdata"

	"coinbeat/internal/cli"
)

func main() {
	cli.Execute()
}
