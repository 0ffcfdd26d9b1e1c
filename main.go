// The main package for the snipewatch executable.
package main

import (
	"github.com/JakeFAU/snipewatch/cmd"
)

func main() {
	cmd.Execute()
}
