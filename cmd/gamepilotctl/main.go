package main

import "gamepilot/internal/cli"

func main() {
	cli.Execute()
}
