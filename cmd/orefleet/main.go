package main

import (
	"github.com/shizukutanaka/orefleet/cmd/orefleet/commands"
)

func main() {
	commands.Execute()
}
