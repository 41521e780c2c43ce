// The main package for the campus-crawler executable.
package main

import (
	"github.com/JakeFAU/campus-crawler/cmd"
)

func main() {
	cmd.Execute()
}
