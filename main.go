// The main package for the fineweb-news executable.
package main

import (
	"os"

	"github.com/JakeFAU/fineweb-news/cmd"
)

// main defers all execution to the Cobra CLI and exits with its status.
func main() {
	os.Exit(cmd.Execute())
}
