package main

import (
	"os"

	"github.com/llamakiln/kiln/cmd/kiln/commands"
)

func main() {
	os.Exit(commands.Execute())
}
