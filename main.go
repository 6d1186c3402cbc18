// The main package for the termharvest executable.
package main

import (
	"github.com/dhkim0920/termharvest/cmd"
)

func main() {
	cmd.Execute()
}
