// The main package for the digestry executable.
package main

import (
	"github.com/digestry/digestry/cmd"
)

func main() {
	cmd.Execute()
}
