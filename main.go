// The main package for the appshelf executable.
package main

import (
	"github.com/appshelf/appshelf/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
