// The main package for the bizcrawl executable.
package main

import (
	"github.com/IINGS/Crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
