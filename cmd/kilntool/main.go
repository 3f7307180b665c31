package main

import (
	"os"

	"github.com/llamakiln/kiln/cmd/kilntool/commands"
)

func main() {
	os.Exit(commands.Execute())
}
