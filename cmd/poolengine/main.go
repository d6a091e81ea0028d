package main

import "github.com/perppool/pool-engine/internal/cli"

func main() {
	cli.Execute()
}
