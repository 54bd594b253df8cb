// The main package for the grokapi executable.
package main

import "github.com/JakeFAU/grokipedia-api/cmd"

func main() {
	cmd.Execute()
}
