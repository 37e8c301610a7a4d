package main

import (
	"os"

	"github.com/kelurahan-dev/jadwal/cmd/jadwal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
