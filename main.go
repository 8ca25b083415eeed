// The main package for the crawld executable.
package main

import (
	"github.com/pagesmith/crawler/cmd"
)

func main() {
	cmd.Execute()
}
